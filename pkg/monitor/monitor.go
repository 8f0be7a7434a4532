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

// Package monitor talks to the QEMU monitor of a libvirt domain.
//
// Two dialects are supported. QMP is JSON based and delivers asynchronous
// events. HMP is the human monitor: commands are plain text and no events
// are reported, so callers must poll.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Capability tells whether a monitor delivers asynchronous events.
type Capability int

const (
	// PollOnly monitors report no events. State changes must be polled.
	PollOnly Capability = iota
	// EventCapable monitors record events that can be queried and cleared.
	EventCapable
)

func (c Capability) String() string {
	switch c {
	case EventCapable:
		return "event-capable"
	case PollOnly:
		return "poll-only"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// Event names emitted by QEMU that block job callers wait on.
const (
	EventBlockJobCancelled = "BLOCK_JOB_CANCELLED"
	EventBlockJobCompleted = "BLOCK_JOB_COMPLETED"
	EventBlockJobReady     = "BLOCK_JOB_READY"
	EventReset             = "RESET"
)

// Dialect names accepted by Open.
const (
	DialectQMP = "qmp"
	DialectHMP = "hmp"
)

var (
	// ErrLocked is returned when the hypervisor could not acquire the
	// domain's monitor lock. Callers may retry.
	ErrLocked = errors.New("monitor channel is locked")
	// ErrUnsupportedCommand is returned when a dialect cannot express a command.
	ErrUnsupportedCommand = errors.New("command not supported by monitor dialect")
	// ErrMalformedReply is returned when a reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed monitor reply")
	// ErrUnknownDialect is returned by Open for dialects other than qmp and hmp.
	ErrUnknownDialect = errors.New("unknown monitor dialect")

	errRegisterEvents   = errors.New("failed to register monitor event callback")
	errDeregisterEvents = errors.New("failed to deregister monitor event callback")
)

// Monitor is a command/event channel to a running QEMU instance.
type Monitor interface {
	// Capability is fixed for the lifetime of the monitor.
	Capability() Capability
	// Cmd issues a command by its QMP name and returns the reply payload.
	Cmd(name string, args map[string]any) (json.RawMessage, error)
	// GetEvent returns the latest recorded event with the given name.
	GetEvent(name string) (*Event, bool)
	// ClearEvent forgets every recorded event with the given name.
	ClearEvent(name string)
	// Info queries a category such as "block" or "status".
	Info(category string) (*InfoReply, error)
	// BlockJobs lists the block jobs currently known to QEMU.
	BlockJobs() ([]BlockJob, error)
	// Close releases event subscriptions.
	Close() error
}

// Event is an asynchronous notification emitted by QEMU.
type Event struct {
	Name      string
	Timestamp time.Time
	Data      json.RawMessage
}

// BlockJob is one entry of query-block-jobs.
type BlockJob struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Len    int64  `json:"len"`
	Offset int64  `json:"offset"`
	Speed  int64  `json:"speed"`
	Paused bool   `json:"paused"`
	Busy   bool   `json:"busy"`
	Ready  bool   `json:"ready"`
}

// InfoReply holds the answer to an info query. QMP fills Structured, HMP
// fills Text.
type InfoReply struct {
	Structured json.RawMessage
	Text       string
}

// IsText reports whether the reply is the legacy textual form.
func (r *InfoReply) IsText() bool {
	return r.Structured == nil
}

// BlockRecords decodes a structured "block" reply.
func (r *InfoReply) BlockRecords() ([]BlockRecord, error) {
	if r.IsText() {
		return nil, errors.Join(errors.New("reply is text"), ErrMalformedReply)
	}

	var records []BlockRecord
	if err := json.Unmarshal(r.Structured, &records); err != nil {
		return nil, errors.Join(err, ErrMalformedReply)
	}
	return records, nil
}

// BlockRecord is one entry of query-block.
type BlockRecord struct {
	Device   string          `json:"device"`
	Locked   bool            `json:"locked"`
	Inserted *InsertedMedium `json:"inserted,omitempty"`
}

// InsertedMedium describes the image attached to a block device.
type InsertedMedium struct {
	File        string `json:"file"`
	BackingFile string `json:"backing_file,omitempty"`
	Driver      string `json:"drv"`
	ReadOnly    bool   `json:"ro"`
}

// CommandError is an error reported by QEMU in reply to a command.
type CommandError struct {
	Command string
	Class   string
	Desc    string
}

func (e *CommandError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("monitor command %q failed: %s", e.Command, e.Desc)
	}
	return fmt.Sprintf("monitor command %q failed: %s: %s", e.Command, e.Class, e.Desc)
}
