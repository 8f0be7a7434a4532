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
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/blockjob/pkg/params"
	"github.com/alexandremahdhaoui/blockjob/pkg/units"
	"github.com/alexandremahdhaoui/blockjob/pkg/vmm"
)

// Parameter keys.
const (
	KeyCancelTimeout       = "cancel_timeout"
	KeyWaitTimeout         = "wait_timeout"
	KeyLoginTimeout        = "login_timeout"
	KeyCheckTimeout        = "check_timeout"
	KeyMaxSpeed            = "max_speed"
	KeyDefaultSpeed        = "default_speed"
	KeyExpectedSpeed       = "expected_speed"
	KeyAliveCheckCmd       = "alive_check_cmd"
	KeyRebootMethod        = "reboot_method"
	KeyRebootBootCheck     = "reboot_boot_check"
	KeyBackingFileStrategy = "backing_file_strategy"
	KeyQemuImgBinary       = "qemu_img_binary"
	KeyTrashFiles          = "trash_files"

	PhaseBeforeStart   = "before_start"
	PhaseWhenStart     = "when_start"
	PhaseBeforeCleanup = "before_cleanup"
)

// Backing file lookup strategies.
const (
	BackingFromMonitor = "monitor"
	BackingFromQemuImg = "qemu-img"
)

const (
	defaultCancelTimeout = 6
	defaultWaitTimeout   = 600
	defaultLoginTimeout  = 360
	defaultCheckTimeout  = 3
	defaultAliveCheckCmd = "dir"
	defaultQemuImgBinary = "qemu-img"
)

// JobParameters is the resolved configuration of one run. Timeouts are
// positive and speeds are in bytes per second.
type JobParameters struct {
	CancelTimeout time.Duration
	WaitTimeout   time.Duration
	LoginTimeout  time.Duration
	CheckTimeout  time.Duration

	MaxSpeed      int64
	DefaultSpeed  int64
	ExpectedSpeed int64

	AliveCheckCmd       string
	RebootMethod        string
	RebootBootCheck     bool
	BackingFileStrategy string
	QemuImgBinary       string
	TrashFiles          []string

	BeforeStart   []Step
	WhenStart     []Step
	BeforeCleanup []Step
}

// Phase returns the steps of a lifecycle phase.
func (p *JobParameters) Phase(name string) ([]Step, error) {
	switch name {
	case PhaseBeforeStart:
		return p.BeforeStart, nil
	case PhaseWhenStart:
		return p.WhenStart, nil
	case PhaseBeforeCleanup:
		return p.BeforeCleanup, nil
	default:
		return nil, usageError("steps", "undefined phase %q", name)
	}
}

// ParseParameters resolves raw parameters into JobParameters. Empty values
// take their default.
func ParseParameters(p params.Params) (*JobParameters, error) {
	var (
		out  JobParameters
		errs []error
	)

	seconds := func(key string, def float64) time.Duration {
		d, err := p.Seconds(key, def)
		if err != nil {
			errs = append(errs, err)
			return 0
		}
		if d <= 0 {
			errs = append(errs, errors.Join(fmt.Errorf("key=%s: timeout must be positive", key), params.ErrInvalid))
		}
		return d
	}
	speed := func(key, def string) int64 {
		n, err := units.Speed(p.GetDefault(key, def))
		if err != nil {
			errs = append(errs, errors.Join(err, fmt.Errorf("key=%s", key), params.ErrInvalid))
		}
		return n
	}

	out.CancelTimeout = seconds(KeyCancelTimeout, defaultCancelTimeout)
	out.WaitTimeout = seconds(KeyWaitTimeout, defaultWaitTimeout)
	out.LoginTimeout = seconds(KeyLoginTimeout, defaultLoginTimeout)
	out.CheckTimeout = seconds(KeyCheckTimeout, defaultCheckTimeout)

	out.MaxSpeed = speed(KeyMaxSpeed, "0")
	out.DefaultSpeed = speed(KeyDefaultSpeed, "0")
	out.ExpectedSpeed = out.MaxSpeed
	if p.GetDefault(KeyExpectedSpeed, "") != "" {
		out.ExpectedSpeed = speed(KeyExpectedSpeed, "")
	}

	out.AliveCheckCmd = p.GetDefault(KeyAliveCheckCmd, defaultAliveCheckCmd)
	out.RebootMethod = p.GetDefault(KeyRebootMethod, vmm.RebootShell)
	out.QemuImgBinary = p.GetDefault(KeyQemuImgBinary, defaultQemuImgBinary)
	out.TrashFiles = p.List(KeyTrashFiles)

	bootCheck, err := p.Bool(KeyRebootBootCheck, true)
	if err != nil {
		errs = append(errs, err)
	}
	out.RebootBootCheck = bootCheck

	out.BackingFileStrategy = p.GetDefault(KeyBackingFileStrategy, BackingFromMonitor)
	switch out.BackingFileStrategy {
	case BackingFromMonitor, BackingFromQemuImg:
	default:
		errs = append(errs, errors.Join(
			fmt.Errorf("key=%s value=%q", KeyBackingFileStrategy, out.BackingFileStrategy), params.ErrInvalid))
	}

	for _, phase := range []struct {
		key string
		dst *[]Step
	}{
		{PhaseBeforeStart, &out.BeforeStart},
		{PhaseWhenStart, &out.WhenStart},
		{PhaseBeforeCleanup, &out.BeforeCleanup},
	} {
		steps, err := resolveSteps(p.List(phase.key))
		if err != nil {
			errs = append(errs, errors.Join(err, fmt.Errorf("phase=%s", phase.key)))
		}
		*phase.dst = steps
	}

	if len(errs) > 0 {
		return nil, errors.Join(append(errs, errInvalidParams)...)
	}
	return &out, nil
}
