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
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/blockjob/internal/util/ssh"
	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"github.com/alexandremahdhaoui/blockjob/pkg/params"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	testDevice    = "drive-virtio-disk0"
	testImage     = "/data/images/guest.qcow2"
	testBacking   = "/data/images/base.qcow2"
	testTag       = "image1"
	testDataDir   = "/data"
	testImageName = "images/guest"
)

// recorder is an ordered, goroutine safe log of side effects.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, fmt.Sprintf(format, args...))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

type fakeMonitor struct {
	mu         sync.Mutex
	capability monitor.Capability
	events     map[string]*monitor.Event
	cleared    []string
	cmds       []string
	blocks     *monitor.InfoReply
	infoErr    error
	emitReset  bool
}

func newFakeMonitor(capability monitor.Capability) *fakeMonitor {
	return &fakeMonitor{
		capability: capability,
		events:     map[string]*monitor.Event{},
		blocks: &monitor.InfoReply{Structured: json.RawMessage(`[
			{"device":"drive-virtio-disk0","locked":false,
			 "inserted":{"file":"/data/images/guest.qcow2","backing_file":"/data/images/base.qcow2","drv":"qcow2","ro":false}},
			{"device":"drive-ide0-1-0","locked":false}
		]`)},
	}
}

func (m *fakeMonitor) Capability() monitor.Capability { return m.capability }

func (m *fakeMonitor) Cmd(name string, _ map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, name)
	if name == "system_reset" && m.emitReset {
		m.events[monitor.EventReset] = &monitor.Event{Name: monitor.EventReset}
	}
	return nil, nil
}

func (m *fakeMonitor) emit(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[name] = &monitor.Event{Name: name}
}

func (m *fakeMonitor) GetEvent(name string) (*monitor.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[name]
	return ev, ok
}

func (m *fakeMonitor) ClearEvent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, name)
	m.cleared = append(m.cleared, name)
}

func (m *fakeMonitor) Info(category string) (*monitor.InfoReply, error) {
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	if category == "block" {
		return m.blocks, nil
	}
	return &monitor.InfoReply{Text: "VM status: running"}, nil
}

func (m *fakeMonitor) BlockJobs() ([]monitor.BlockJob, error) { return nil, nil }

func (m *fakeMonitor) Close() error { return nil }

type fakeSession struct {
	name     string
	rec      *recorder
	cmds     []string
	timeouts []time.Duration
	cmdErr   error
}

func (s *fakeSession) Cmd(command string, timeout time.Duration) (string, error) {
	s.cmds = append(s.cmds, command)
	s.timeouts = append(s.timeouts, timeout)
	return "ok", s.cmdErr
}

func (s *fakeSession) Close() error {
	s.rec.add("close:%s", s.name)
	return nil
}

// fakeVM models one block job. Commands change the job unless listed in
// ignore. While the job is not paused every status query moves its offset
// by advance.
type fakeVM struct {
	mu  sync.Mutex
	mon *fakeMonitor
	rec *recorder

	job                *monitor.BlockJob
	advance            int64
	advanceWhilePaused bool
	statusErrs         []error
	statusCalls        int
	speedSkew          int64
	ignore             map[string]bool

	state      string
	stateStuck bool

	aliveErr   error
	blockErr   error
	blockMatch map[string]string

	loginGate chan struct{}
	loginErr  error
	sessions  []*fakeSession
	rebootErr error
}

func newFakeVM(capability monitor.Capability) *fakeVM {
	return &fakeVM{
		mon:     newFakeMonitor(capability),
		rec:     &recorder{},
		job:     &monitor.BlockJob{Device: testDevice, Type: "mirror", Len: 1 << 30, Offset: 1 << 20},
		advance: 4096,
		ignore:  map[string]bool{},
		state:   "running",
	}
}

func (f *fakeVM) cmds() []string {
	var out []string
	for _, e := range f.rec.all() {
		if len(e) > 4 && e[:4] == "cmd:" {
			out = append(out, e[4:])
		}
	}
	return out
}

func (f *fakeVM) VerifyAlive() error { return f.aliveErr }

func (f *fakeVM) GetBlock(match map[string]string) (string, error) {
	f.blockMatch = match
	if f.blockErr != nil {
		return "", f.blockErr
	}
	return testDevice, nil
}

func (f *fakeVM) newSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{name: fmt.Sprintf("session-%d", len(f.sessions)+1), rec: f.rec}
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeVM) WaitForLogin(time.Duration) (ssh.Session, error) {
	if f.loginGate != nil {
		<-f.loginGate
	}
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.newSession(), nil
}

func (f *fakeVM) GetJobStatus(device string) (*monitor.BlockJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		return nil, err
	}
	if f.job == nil || f.job.Device != device {
		return nil, nil
	}
	if !f.job.Paused || f.advanceWhilePaused {
		f.job.Offset += f.advance
	}
	job := *f.job
	return &job, nil
}

func (f *fakeVM) CancelBlockJob(string) error {
	f.rec.add("cmd:cancel")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ignore["cancel"] {
		return nil
	}
	f.job = nil
	if f.mon.capability == monitor.EventCapable && !f.ignore["cancel_event"] {
		f.mon.emit(monitor.EventBlockJobCancelled)
	}
	return nil
}

func (f *fakeVM) PauseBlockJob(string) error {
	f.rec.add("cmd:pause_job")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ignore["pause_job"] && f.job != nil {
		f.job.Paused = true
	}
	return nil
}

func (f *fakeVM) ResumeBlockJob(string) error {
	f.rec.add("cmd:resume_job")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ignore["resume_job"] && f.job != nil {
		f.job.Paused = false
	}
	return nil
}

func (f *fakeVM) SetJobSpeed(_ string, speed int64) error {
	f.rec.add("cmd:set_speed:%d", speed)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job != nil {
		f.job.Speed = speed - f.speedSkew
	}
	return nil
}

func (f *fakeVM) Pause() error {
	f.rec.add("cmd:pause_vm")
	if !f.stateStuck {
		f.state = "paused"
	}
	return nil
}

func (f *fakeVM) Resume() error {
	f.rec.add("cmd:resume_vm")
	if !f.stateStuck {
		f.state = "running"
	}
	return nil
}

func (f *fakeVM) VerifyStatus(expected string) (bool, error) {
	return f.state == expected, nil
}

func (f *fakeVM) Reboot(_ ssh.Session, _ time.Duration, method string) (ssh.Session, error) {
	f.rec.add("cmd:reboot:%s", method)
	if f.rebootErr != nil {
		return nil, f.rebootErr
	}
	return f.newSession(), nil
}

func (f *fakeVM) Destroy() error {
	f.rec.add("destroy")
	return nil
}

func (f *fakeVM) Monitor() monitor.Monitor { return f.mon }

func testParams(extra params.Params) params.Params {
	p := params.Params{"image_name": testImageName}
	maps.Copy(p, extra)
	return p
}

func newTestController(t *testing.T, vm *fakeVM, raw params.Params, opts ...Option) (*Controller, *testingclock.FakeClock) {
	t.Helper()

	fc := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(fc), WithDataDir(testDataDir)}, opts...)

	c, err := New(vm, testParams(raw), testTag, opts...)
	require.NoError(t, err)
	return c, fc
}
