// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package params holds the raw key/value parameters of a scenario and
// resolves object-scoped views of them.
package params

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalid is returned when a parameter value cannot be converted.
	ErrInvalid = errors.New("invalid parameter")
	// ErrMissing is returned when a required parameter is absent.
	ErrMissing = errors.New("missing parameter")
)

const defaultImageFormat = "qcow2"

// Params is a flat set of raw parameters. Keys suffixed with "_<tag>"
// override the unsuffixed key in the view returned by ObjectParams(tag).
type Params map[string]string

// ObjectParams returns a copy of p where every "<key>_<tag>" entry
// overrides "<key>".
func (p Params) ObjectParams(tag string) Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	if tag == "" {
		return out
	}

	suffix := "_" + tag
	for k, v := range p {
		if base, ok := strings.CutSuffix(k, suffix); ok && base != "" {
			out[base] = v
		}
	}
	return out
}

// Get returns the value of key or "".
func (p Params) Get(key string) string {
	return p[key]
}

// GetDefault returns the value of key, or def when it is empty or unset.
func (p Params) GetDefault(key, def string) string {
	if v := strings.TrimSpace(p[key]); v != "" {
		return v
	}
	return def
}

// Float parses key as a number, returning def when it is empty or unset.
func (p Params) Float(key string, def float64) (float64, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return def, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Join(fmt.Errorf("key=%s value=%q", key, v), ErrInvalid)
	}
	return f, nil
}

// Seconds parses key as a number of seconds.
func (p Params) Seconds(key string, def float64) (time.Duration, error) {
	f, err := p.Float(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// Bool parses key as yes/no, true/false, on/off or 1/0.
func (p Params) Bool(key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(p[key]))
	switch v {
	case "":
		return def, nil
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	default:
		return false, errors.Join(fmt.Errorf("key=%s value=%q", key, v), ErrInvalid)
	}
}

// List splits key on whitespace.
func (p Params) List(key string) []string {
	return strings.Fields(p[key])
}

// ImageFilename returns the path of the image described by image_name and
// image_format. Relative names are resolved against dataDir.
func (p Params) ImageFilename(dataDir string) (string, error) {
	name := p.GetDefault("image_name", "")
	if name == "" {
		return "", errors.Join(errors.New("key=image_name"), ErrMissing)
	}

	format := p.GetDefault("image_format", defaultImageFormat)
	filename := fmt.Sprintf("%s.%s", name, format)

	if filepath.IsAbs(filename) {
		return filename, nil
	}
	return filepath.Join(dataDir, filename), nil
}
