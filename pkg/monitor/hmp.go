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

package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"libvirt.org/go/libvirt"
)

// hmpCommand renders a QMP command in human monitor syntax. Arguments are
// emitted in the order of args.
type hmpCommand struct {
	name string
	args []string
}

var hmpCommands = map[string]hmpCommand{
	"block-job-cancel":    {name: "block_job_cancel", args: []string{"device"}},
	"block-job-pause":     {name: "block_job_pause", args: []string{"device"}},
	"block-job-resume":    {name: "block_job_resume", args: []string{"device"}},
	"block-job-complete":  {name: "block_job_complete", args: []string{"device"}},
	"block-job-set-speed": {name: "block_job_set_speed", args: []string{"device", "speed"}},
	"system_reset":        {name: "system_reset"},
	"stop":                {name: "stop"},
	"cont":                {name: "cont"},
}

// hmpJobRegex matches one line of "info block-jobs".
var hmpJobRegex = regexp.MustCompile(
	`^(?:Type (\S+), device|Streaming device) (\S+): Completed (\d+) of (\d+) bytes, speed limit (\d+) bytes/s`,
)

// HMP drives the human monitor. It never reports events.
type HMP struct {
	runner CommandRunner
}

// NewHMP returns a poll-only monitor over the human monitor of dom.
func NewHMP(runner CommandRunner) *HMP {
	return &HMP{runner: runner}
}

// Capability implements Monitor.
func (h *HMP) Capability() Capability {
	return PollOnly
}

// Cmd implements Monitor. Action commands print nothing on success, so any
// output is reported as a CommandError.
func (h *HMP) Cmd(name string, args map[string]any) (json.RawMessage, error) {
	line, err := renderHMP(name, args)
	if err != nil {
		return nil, err
	}

	out, err := h.send(line)
	if err != nil {
		return nil, err
	}

	if out = strings.TrimSpace(out); out != "" {
		return nil, &CommandError{Command: name, Desc: out}
	}
	return nil, nil
}

// GetEvent implements Monitor. HMP has no events.
func (h *HMP) GetEvent(string) (*Event, bool) {
	return nil, false
}

// ClearEvent implements Monitor.
func (h *HMP) ClearEvent(string) {}

// Info implements Monitor by issuing "info <category>".
func (h *HMP) Info(category string) (*InfoReply, error) {
	out, err := h.send("info " + category)
	if err != nil {
		return nil, err
	}
	return &InfoReply{Text: out}, nil
}

// BlockJobs implements Monitor. The human monitor does not print the paused
// flag, so Paused is always false.
func (h *HMP) BlockJobs() ([]BlockJob, error) {
	out, err := h.send("info block-jobs")
	if err != nil {
		return nil, err
	}
	return parseHMPBlockJobs(out)
}

// Close implements Monitor.
func (h *HMP) Close() error {
	return nil
}

func (h *HMP) send(line string) (string, error) {
	slog.Debug("sending hmp command", "command", line)

	out, err := h.runner.QemuMonitorCommand(line, libvirt.DOMAIN_QEMU_MONITOR_COMMAND_HMP)
	if err != nil {
		return "", classify(line, err)
	}
	return out, nil
}

func renderHMP(name string, args map[string]any) (string, error) {
	cmd, ok := hmpCommands[name]
	if !ok {
		return "", errors.Join(fmt.Errorf("command=%q", name), ErrUnsupportedCommand)
	}

	parts := []string{cmd.name}
	for _, key := range cmd.args {
		v, ok := args[key]
		if !ok {
			return "", fmt.Errorf("command %q requires argument %q", name, key)
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, " "), nil
}

func parseHMPBlockJobs(out string) ([]BlockJob, error) {
	var jobs []BlockJob
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "No active jobs" {
			continue
		}

		m := hmpJobRegex.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Join(fmt.Errorf("line=%q", line), ErrMalformedReply)
		}

		job := BlockJob{Type: m[1], Device: m[2]}
		if job.Type == "" {
			job.Type = "stream"
		}
		job.Offset, _ = strconv.ParseInt(m[3], 10, 64)
		job.Len, _ = strconv.ParseInt(m[4], 10, 64)
		job.Speed, _ = strconv.ParseInt(m[5], 10, 64)
		jobs = append(jobs, job)
	}
	return jobs, nil
}
