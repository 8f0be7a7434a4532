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
	"time"

	"libvirt.org/go/libvirt"
)

// QMP sends JSON commands through libvirt's monitor passthrough and records
// every monitor event of the domain.
type QMP struct {
	runner CommandRunner
	events *eventStore

	conn       *libvirt.Connect
	callbackID int
}

type qmpRequest struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

// NewQMP subscribes to all monitor events of dom and returns an
// event-capable monitor. StartEventLoop must have been called before conn
// was opened for events to be delivered.
func NewQMP(conn *libvirt.Connect, dom *libvirt.Domain) (*QMP, error) {
	q := newQMP(dom)

	id, err := conn.DomainQemuMonitorEventRegister(
		dom,
		".*",
		q.onEvent,
		libvirt.CONNECT_DOMAIN_QEMU_MONITOR_EVENT_REGISTER_REGEX,
	)
	if err != nil {
		return nil, errors.Join(err, errRegisterEvents)
	}

	q.conn = conn
	q.callbackID = id
	return q, nil
}

func newQMP(runner CommandRunner) *QMP {
	return &QMP{
		runner:     runner,
		events:     newEventStore(),
		callbackID: -1,
	}
}

// Capability implements Monitor.
func (q *QMP) Capability() Capability {
	return EventCapable
}

// Cmd implements Monitor.
func (q *QMP) Cmd(name string, args map[string]any) (json.RawMessage, error) {
	req, err := json.Marshal(qmpRequest{Execute: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encoding command %q: %w", name, err)
	}

	slog.Debug("sending qmp command", "command", string(req))

	out, err := q.runner.QemuMonitorCommand(string(req), libvirt.DOMAIN_QEMU_MONITOR_COMMAND_DEFAULT)
	if err != nil {
		return nil, classify(name, err)
	}

	var resp qmpResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, errors.Join(fmt.Errorf("command=%q reply=%q", name, out), err, ErrMalformedReply)
	}

	if resp.Error != nil {
		return nil, &CommandError{Command: name, Class: resp.Error.Class, Desc: resp.Error.Desc}
	}

	return resp.Return, nil
}

// GetEvent implements Monitor.
func (q *QMP) GetEvent(name string) (*Event, bool) {
	return q.events.get(name)
}

// ClearEvent implements Monitor.
func (q *QMP) ClearEvent(name string) {
	q.events.clear(name)
}

// Info implements Monitor by issuing query-<category>.
func (q *QMP) Info(category string) (*InfoReply, error) {
	out, err := q.Cmd("query-"+category, nil)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	return &InfoReply{Structured: out}, nil
}

// BlockJobs implements Monitor.
func (q *QMP) BlockJobs() ([]BlockJob, error) {
	out, err := q.Cmd("query-block-jobs", nil)
	if err != nil {
		return nil, err
	}

	var jobs []BlockJob
	if err := json.Unmarshal(out, &jobs); err != nil {
		return nil, errors.Join(fmt.Errorf("reply=%q", string(out)), err, ErrMalformedReply)
	}
	return jobs, nil
}

// Close implements Monitor.
func (q *QMP) Close() error {
	if q.conn == nil || q.callbackID < 0 {
		return nil
	}

	err := q.conn.DomainQemuEventDeregister(q.callbackID)
	q.callbackID = -1
	if err != nil {
		return errors.Join(err, errDeregisterEvents)
	}
	return nil
}

func (q *QMP) onEvent(_ *libvirt.Connect, _ *libvirt.Domain, ev *libvirt.DomainQemuMonitorEvent) {
	slog.Debug("received qmp event", "event", ev.Event)

	var data json.RawMessage
	if ev.Details != "" {
		data = json.RawMessage(ev.Details)
	}

	q.events.put(Event{
		Name:      ev.Event,
		Timestamp: time.Unix(ev.Seconds, int64(ev.Micros)*int64(time.Microsecond)),
		Data:      data,
	})
}
