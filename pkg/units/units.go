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

// Package units converts speed and size expressions such as "10M" into
// byte counts.
//
// Suffixes are case-insensitive and always binary: only the unit letter
// (K, M, G, T, P or E) matters, optionally followed by "B", "i" or "iB", so
// "10M", "10m", "10MB" and "10MiB" are all 10 MiB. A bare "B" means bytes.
package units

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ErrParse is returned for expressions that are not a non-negative byte count.
var ErrParse = errors.New("cannot parse size expression")

var sizeRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)

// binaryUnits maps unit letters onto resource.Quantity binary suffixes.
var binaryUnits = map[byte]string{
	'K': "Ki",
	'M': "Mi",
	'G': "Gi",
	'T': "Ti",
	'P': "Pi",
	'E': "Ei",
}

var maxBytes = *resource.NewQuantity(math.MaxInt64, resource.BinarySI)

// quantitySuffix returns the resource.Quantity suffix for a size suffix.
func quantitySuffix(suffix string) (string, bool) {
	s := strings.ToUpper(suffix)
	if s == "" || s == "B" {
		return "", true
	}

	unit, ok := binaryUnits[s[0]]
	if !ok {
		return "", false
	}
	switch s[1:] {
	case "", "B", "I", "IB":
		return unit, true
	default:
		return "", false
	}
}

// binarySuffixes is ordered from the largest unit down.
var binarySuffixes = []struct {
	suffix string
	shift  uint
}{
	{"E", 60},
	{"P", 50},
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ToBytes converts a size expression into a byte count. Bare digits are
// returned as is.
func ToBytes(expr string) (int64, error) {
	s := strings.TrimSpace(expr)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, errors.Join(fmt.Errorf("expr=%q", expr), ErrParse)
		}
		return n, nil
	}

	m := sizeRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Join(fmt.Errorf("expr=%q", expr), ErrParse)
	}

	suffix, ok := quantitySuffix(m[2])
	if !ok {
		return 0, errors.Join(fmt.Errorf("expr=%q: unknown suffix %q", expr, m[2]), ErrParse)
	}

	q, err := resource.ParseQuantity(m[1] + suffix)
	if err != nil {
		return 0, errors.Join(fmt.Errorf("expr=%q", expr), err, ErrParse)
	}

	if q.Cmp(maxBytes) > 0 {
		return 0, errors.Join(fmt.Errorf("expr=%q: exceeds %d bytes", expr, int64(math.MaxInt64)), ErrParse)
	}

	n := q.Value()
	if q.Cmp(*resource.NewQuantity(n, resource.BinarySI)) != 0 {
		return 0, errors.Join(fmt.Errorf("expr=%q: not a whole number of bytes", expr), ErrParse)
	}

	return n, nil
}

// Speed converts a speed given as an integer or a size expression into
// bytes per second.
func Speed(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return nonNegative(int64(t))
	case int32:
		return nonNegative(int64(t))
	case int64:
		return nonNegative(t)
	case uint:
		return checkedUint(uint64(t))
	case uint32:
		return int64(t), nil
	case uint64:
		return checkedUint(t)
	case float64:
		if t != math.Trunc(t) || t < 0 || t > math.MaxInt64 {
			return 0, errors.Join(fmt.Errorf("speed=%v", t), ErrParse)
		}
		return int64(t), nil
	case string:
		return ToBytes(t)
	default:
		return 0, errors.Join(fmt.Errorf("speed=%v: unsupported type %T", v, v), ErrParse)
	}
}

// ToString renders n with the largest binary suffix that divides it
// exactly, so that ToBytes(ToString(n)) == n.
func ToString(n int64) string {
	if n <= 0 {
		return strconv.FormatInt(n, 10)
	}

	for _, s := range binarySuffixes {
		unit := int64(1) << s.shift
		if n%unit == 0 {
			return strconv.FormatInt(n/unit, 10) + s.suffix
		}
	}

	return strconv.FormatInt(n, 10)
}

func nonNegative(n int64) (int64, error) {
	if n < 0 {
		return 0, errors.Join(fmt.Errorf("speed=%d", n), ErrParse)
	}
	return n, nil
}

func checkedUint(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, errors.Join(fmt.Errorf("speed=%d", n), ErrParse)
	}
	return int64(n), nil
}
