/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"libvirt.org/go/libvirtxml"
)

// libvirt prefixes the aliases of the drives it hands to QEMU.
const drivePrefix = "drive-"

var (
	// "drive-virtio-disk0: removable=0 file=/img.qcow2 backing_file=/base.qcow2 drv=qcow2"
	legacyBlockLine = regexp.MustCompile(`^(\S+):\s+(.*)$`)
	// "drive-virtio-disk0 (#block142): /img.qcow2 (qcow2)"
	modernBlockLine = regexp.MustCompile(`^(\S+)(?:\s+\(#\S+\))?:\s+(\S+)\s+\((\S+)\)`)
)

// blockAttrs are the attributes a block device can be matched on.
type blockAttrs map[string]string

func (a blockAttrs) matches(match map[string]string) bool {
	for k, want := range match {
		if a[k] != want {
			return false
		}
	}
	return true
}

// matchBlockReply searches the monitor's block table.
func matchBlockReply(reply *monitor.InfoReply, match map[string]string) (string, bool) {
	var candidates []blockAttrs

	if reply.IsText() {
		candidates = parseTextBlockTable(reply.Text)
	} else {
		records, err := reply.BlockRecords()
		if err != nil {
			return "", false
		}
		for _, r := range records {
			attrs := blockAttrs{"device": r.Device}
			if r.Inserted != nil {
				attrs["file"] = r.Inserted.File
				attrs["backing_file"] = r.Inserted.BackingFile
				attrs["format"] = r.Inserted.Driver
			}
			candidates = append(candidates, attrs)
		}
	}

	for _, attrs := range candidates {
		if attrs.matches(match) {
			return attrs["device"], true
		}
	}
	return "", false
}

func parseTextBlockTable(text string) []blockAttrs {
	var out []blockAttrs

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := modernBlockLine.FindStringSubmatch(line); m != nil {
			out = append(out, blockAttrs{"device": m[1], "file": m[2], "format": m[3]})
			continue
		}

		m := legacyBlockLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		attrs := blockAttrs{"device": m[1]}
		for _, field := range strings.Fields(m[2]) {
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			if k == "drv" {
				k = "format"
			}
			attrs[k] = v
		}
		out = append(out, attrs)
	}

	return out
}

// matchDomainDisks searches the disks of a domain definition. The device
// name reported is the QEMU drive id when libvirt assigned an alias, the
// target dev otherwise.
func matchDomainDisks(domainXML string, match map[string]string) (string, bool, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return "", false, fmt.Errorf("parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return "", false, nil
	}

	for _, disk := range domain.Devices.Disks {
		attrs := diskAttrs(disk)
		if attrs["device"] == "" {
			continue
		}
		if attrs.matches(match) {
			return attrs["device"], true, nil
		}
	}
	return "", false, nil
}

func diskAttrs(disk libvirtxml.DomainDisk) blockAttrs {
	attrs := blockAttrs{}

	switch {
	case disk.Alias != nil && disk.Alias.Name != "":
		attrs["device"] = drivePrefix + disk.Alias.Name
	case disk.Target != nil:
		attrs["device"] = disk.Target.Dev
	}
	if disk.Source != nil && disk.Source.File != nil {
		attrs["file"] = disk.Source.File.File
	}
	if disk.Driver != nil {
		attrs["format"] = disk.Driver.Type
	}
	if bs := disk.BackingStore; bs != nil && bs.Source != nil && bs.Source.File != nil {
		attrs["backing_file"] = bs.Source.File.File
	}

	return attrs
}
