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

// Package blockjob drives a block job running inside a VM through the
// VM's monitor and checks that every command took effect.
package blockjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/blockjob/internal/util/ssh"
	"github.com/alexandremahdhaoui/blockjob/pkg/execcontext"
	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"github.com/alexandremahdhaoui/blockjob/pkg/params"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// VM is the handle of the VM hosting the job. *vmm.VM implements it.
type VM interface {
	VerifyAlive() error
	GetBlock(match map[string]string) (string, error)
	WaitForLogin(timeout time.Duration) (ssh.Session, error)
	GetJobStatus(device string) (*monitor.BlockJob, error)
	CancelBlockJob(device string) error
	PauseBlockJob(device string) error
	ResumeBlockJob(device string) error
	SetJobSpeed(device string, speed int64) error
	Pause() error
	Resume() error
	VerifyStatus(expected string) (bool, error)
	Reboot(session ssh.Session, timeout time.Duration, method string) (ssh.Session, error)
	Destroy() error
	Monitor() monitor.Monitor
}

// ParamSource supplies raw parameters scoped to an object tag.
// params.Params implements it.
type ParamSource interface {
	ObjectParams(tag string) params.Params
}

// HostRunner runs a command on the host and returns its standard output.
type HostRunner func(ctx context.Context, name string, args ...string) (string, error)

// Controller drives the block job attached to one device of a VM.
type Controller struct {
	vm  VM
	src ParamSource
	tag string

	device    string
	imageFile string
	dataDir   string

	clock      clock.Clock
	log        *slog.Logger
	metrics    *Metrics
	ectx       execcontext.Context
	runHost    HostRunner
	remove     func(path string) error
	supervisor *Supervisor

	mu       sync.Mutex
	sessions []ssh.Session
	trash    []string
	cleaned  bool
	// drained is set once Clean has taken the trash list.
	drained bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithDataDir sets the directory relative image names are resolved against.
func WithDataDir(dir string) Option {
	return func(c *Controller) {
		c.dataDir = dir
	}
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records operation outcomes, lock retries and wait durations.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithDiagnostics receives the failures of background activities. Without
// it those failures are only logged at debug level.
func WithDiagnostics(fn func(name string, err error)) Option {
	return func(c *Controller) {
		c.supervisor.diagnostics = fn
	}
}

// WithExecContext sets the environment of host commands such as qemu-img.
func WithExecContext(ectx execcontext.Context) Option {
	return func(c *Controller) {
		c.ectx = ectx
	}
}

// WithHostRunner replaces the way host commands are executed.
func WithHostRunner(run HostRunner) Option {
	return func(c *Controller) {
		c.runHost = run
	}
}

// New checks that vm is alive, then resolves the device holding the image
// described by the tag-scoped parameters. Failing to find the device is
// fatal.
func New(vm VM, src ParamSource, tag string, opts ...Option) (*Controller, error) {
	c := &Controller{
		vm:     vm,
		src:    src,
		tag:    tag,
		clock:  clock.RealClock{},
		log:    slog.Default(),
		ectx:   execcontext.Default(),
		remove: os.Remove,
	}
	c.supervisor = newSupervisor(c.log)
	c.runHost = c.execHost

	for _, opt := range opts {
		opt(c)
	}
	c.supervisor.log = c.log

	p, err := c.Parameters()
	if err != nil {
		return nil, err
	}

	if err := vm.VerifyAlive(); err != nil {
		return nil, errors.Join(err, errResolveVM)
	}

	image, err := c.objectParams().ImageFilename(c.dataDir)
	if err != nil {
		return nil, errors.Join(err, errResolveDevice, ErrLookup)
	}
	c.log.Info("image filename", "imageFilename", image)

	device, err := vm.GetBlock(map[string]string{"file": image})
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("imageFilename=%s", image), errResolveDevice, ErrLookup)
	}
	c.device = device
	c.log = c.log.With("device", device)
	c.supervisor.log = c.log

	c.imageFile = c.resolveImageFile()
	for _, path := range p.TrashFiles {
		c.TrashFile(path)
	}

	return c, nil
}

// Device returns the identifier of the device under control.
func (c *Controller) Device() string {
	return c.device
}

// ImageFile returns the file attached to the device at construction, or ""
// if it could not be determined.
func (c *Controller) ImageFile() string {
	return c.imageFile
}

// Parameters resolves the job parameters from the current raw parameters.
// Nothing is cached, so later changes to the raw parameters are visible.
func (c *Controller) Parameters() (*JobParameters, error) {
	return ParseParameters(c.objectParams())
}

func (c *Controller) objectParams() params.Params {
	return c.src.ObjectParams(c.tag)
}

// GetSession logs into the guest. The session is closed by Clean.
func (c *Controller) GetSession() (ssh.Session, error) {
	p, err := c.Parameters()
	if err != nil {
		return nil, err
	}

	session, err := c.vm.WaitForLogin(p.LoginTimeout)
	if err != nil {
		return nil, err
	}
	c.registerSession(session)
	return session, nil
}

func (c *Controller) registerSession(session ssh.Session) {
	if session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, session)
}

// TrashFile marks path for removal by Clean. Once Clean has removed the
// trash files, path is removed immediately.
func (c *Controller) TrashFile(path string) {
	c.mu.Lock()
	if !c.drained {
		c.trash = append(c.trash, path)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Warn("trash file registered after cleanup, removing it now", "path", path)
	c.removeTrash(path)
}

// ActionBeforeStart runs the before_start steps in order.
func (c *Controller) ActionBeforeStart() error {
	return c.doSteps(PhaseBeforeStart)
}

// ActionBeforeCleanup runs the before_cleanup steps in order.
func (c *Controller) ActionBeforeCleanup() error {
	return c.doSteps(PhaseBeforeCleanup)
}

// ActionWhenStart launches every when_start step in the background. Their
// failures do not reach the caller.
func (c *Controller) ActionWhenStart() error {
	steps, err := c.phase(PhaseWhenStart)
	if err != nil {
		return err
	}

	for _, step := range steps {
		c.supervisor.Launch(step.Name, func() error {
			return step.Run(c)
		})
	}
	return nil
}

func (c *Controller) doSteps(phase string) error {
	steps, err := c.phase(phase)
	if err != nil {
		return err
	}

	for _, step := range steps {
		c.log.Info("running step", "phase", phase, "step", step.Name)
		if err := step.Run(c); err != nil {
			return errors.Join(err, fmt.Errorf("phase=%s step=%s", phase, step.Name))
		}
	}
	return nil
}

func (c *Controller) phase(name string) ([]Step, error) {
	p, err := c.Parameters()
	if err != nil {
		return nil, err
	}
	return p.Phase(name)
}

// waitFor evaluates cond every interval until it holds or timeout elapses.
// cond is always evaluated at least once.
func (c *Controller) waitFor(op string, timeout, interval time.Duration, cond func() (bool, error)) (bool, error) {
	start := c.clock.Now()
	defer func() {
		c.metrics.waited(op, c.clock.Since(start))
	}()

	for {
		ok, err := cond()
		if err != nil || ok {
			return ok, err
		}
		if c.clock.Since(start) >= timeout {
			return false, nil
		}
		c.clock.Sleep(interval)
	}
}

// lockBackoff is a random interval in [1s, 5s).
func lockBackoff() time.Duration {
	return wait.Jitter(time.Second, 4.0)
}

// settleInterval is a random interval in [1s, 3s).
func settleInterval() time.Duration {
	return wait.Jitter(time.Second, 2.0)
}

func (c *Controller) execHost(ctx context.Context, name string, args ...string) (string, error) {
	c.log.Debug("running host command", "command", execcontext.FormatCmd(c.ectx, name, args...))

	out, err := execcontext.Command(ctx, c.ectx, name, args...).Output()
	if err != nil {
		return string(out), errors.Join(err, fmt.Errorf("command=%s", name))
	}
	return string(out), nil
}
