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

package blockjob

import (
	"context"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
)

var qemuImgBackingFile = regexp.MustCompile(`(?m)backing file: +(.*)`)

// resolveImageFile returns the file currently attached to the device, or
// "" when the block table does not say.
func (c *Controller) resolveImageFile() string {
	file, ok := c.blockField("file")
	if !ok {
		c.log.Warn("image file not found for device")
		return ""
	}
	return file
}

// BackingFile returns the backing file of the device's image using
// backing_file_strategy, or "" if it has none or the lookup failed.
func (c *Controller) BackingFile() string {
	p, err := c.Parameters()
	if err != nil {
		c.log.Warn("cannot resolve backing file", "error", err.Error())
		return ""
	}

	if p.BackingFileStrategy == BackingFromMonitor {
		file, _ := c.blockField("backing_file")
		return file
	}

	if c.imageFile == "" {
		c.log.Warn("cannot inspect image: image file unknown")
		return ""
	}

	out, err := c.runHost(context.Background(), p.QemuImgBinary, "info", c.imageFile)
	if err != nil {
		c.log.Warn("qemu-img info failed", "imageFile", c.imageFile, "error", err.Error())
		return ""
	}

	m := qemuImgBackingFile.FindStringSubmatch(out)
	if m == nil {
		c.log.Warn("no backing file found", "output", out)
		return ""
	}
	return strings.TrimSpace(m[1])
}

// blockField reads a field of the device's entry in the monitor block
// table. Structured replies are decoded, legacy text replies are matched
// against "<device> ... <field>=<value>".
func (c *Controller) blockField(field string) (string, bool) {
	reply, err := c.vm.Monitor().Info("block")
	if err != nil {
		c.log.Warn("info block failed", "error", err.Error())
		return "", false
	}

	if reply.IsText() {
		re := regexp.MustCompile(regexp.QuoteMeta(c.device) + `.*\s+` + regexp.QuoteMeta(field) + `=(\S*)`)
		m := re.FindStringSubmatch(reply.Text)
		if m == nil {
			c.log.Debug("field not in block table", "field", field, "blocks", reply.Text)
			return "", false
		}
		return m[1], true
	}

	records, err := reply.BlockRecords()
	if err != nil {
		c.log.Warn("cannot decode block table", "error", err.Error())
		return "", false
	}
	for _, r := range records {
		if r.Device != c.device || r.Inserted == nil {
			continue
		}
		return insertedField(r.Inserted, field)
	}

	c.log.Debug("device not in block table", "field", field)
	return "", false
}

func insertedField(in *monitor.InsertedMedium, field string) (string, bool) {
	switch field {
	case "file":
		return in.File, in.File != ""
	case "backing_file":
		return in.BackingFile, in.BackingFile != ""
	default:
		return "", false
	}
}
