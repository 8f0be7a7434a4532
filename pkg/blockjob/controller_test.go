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
	"errors"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"github.com/alexandremahdhaoui/blockjob/pkg/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, params.Params{
		"image_name_image1": "images/guest",
		"image_name":        "images/other",
		"trash_files":       "/tmp/a /tmp/b",
	})

	assert.Equal(t, map[string]string{"file": testImage}, vm.blockMatch)
	assert.Equal(t, testDevice, c.Device())
	assert.Equal(t, testImage, c.ImageFile())
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, c.trash)
}

func TestNew_Errors(t *testing.T) {
	t.Run("vm not alive", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.aliveErr = errors.New("domain is shut off")

		_, err := New(vm, testParams(nil), testTag)
		assert.ErrorIs(t, err, errResolveVM)
	})

	t.Run("device not found", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.blockErr = errors.New("no such block")

		_, err := New(vm, testParams(nil), testTag)
		assert.ErrorIs(t, err, ErrLookup)
		assert.ErrorIs(t, err, errResolveDevice)
	})

	t.Run("unknown step", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)

		_, err := New(vm, testParams(params.Params{"before_start": "pause_job jump"}), testTag)
		assert.ErrorIs(t, err, ErrUnknownStep)
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, err.Error(), `"jump"`)
	})
}

func TestNew_ImageFileFromLegacyText(t *testing.T) {
	vm := newFakeVM(monitor.PollOnly)
	vm.mon.blocks = &monitor.InfoReply{Text: "drive-virtio-disk0: removable=0 io-status=ok " +
		"file=/data/images/guest.qcow2 backing_file=/data/images/base.qcow2 ro=0 drv=qcow2 encrypted=0\n"}

	c, _ := newTestController(t, vm, nil)
	assert.Equal(t, testImage, c.ImageFile())
	assert.Equal(t, testBacking, c.BackingFile())
}

func TestNew_ImageFileMissing(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	vm.mon.infoErr = errors.New("monitor gone")

	c, _ := newTestController(t, vm, nil)
	assert.Empty(t, c.ImageFile())
}

func TestParameters_Rederived(t *testing.T) {
	raw := testParams(nil)
	c, err := New(newFakeVM(monitor.EventCapable), raw, testTag)
	require.NoError(t, err)

	p, err := c.Parameters()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, p.CancelTimeout)

	raw["cancel_timeout_image1"] = "9"
	p, err = c.Parameters()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, p.CancelTimeout)
}

func TestCancel(t *testing.T) {
	t.Run("event capable", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		m, err := NewMetrics(prometheus.NewRegistry())
		require.NoError(t, err)
		c, _ := newTestController(t, vm, nil, WithMetrics(m))

		require.NoError(t, c.Cancel())
		assert.Equal(t, []string{"cancel"}, vm.cmds())
		assert.Equal(t, []string{monitor.EventBlockJobCancelled, monitor.EventBlockJobCancelled}, vm.mon.cleared)
		_, ok := vm.mon.GetEvent(monitor.EventBlockJobCancelled)
		assert.False(t, ok)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("cancel", resultOK)))
	})

	t.Run("poll only", func(t *testing.T) {
		vm := newFakeVM(monitor.PollOnly)
		c, _ := newTestController(t, vm, nil)

		require.NoError(t, c.Cancel())
		assert.Equal(t, []string{"cancel"}, vm.cmds())
		assert.Empty(t, vm.mon.cleared)
	})

	t.Run("no job", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job = nil
		c, _ := newTestController(t, vm, nil)

		require.NoError(t, c.Cancel())
		assert.Empty(t, vm.cmds())
	})

	t.Run("job never goes away", func(t *testing.T) {
		vm := newFakeVM(monitor.PollOnly)
		vm.ignore["cancel"] = true
		c, fc := newTestController(t, vm, nil)
		start := fc.Now()

		err := c.Cancel()
		assert.ErrorIs(t, err, ErrVerification)
		assert.Contains(t, err.Error(), "6s")
		assert.GreaterOrEqual(t, fc.Since(start), 6*time.Second)
	})

	t.Run("event never arrives", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.ignore["cancel_event"] = true
		c, _ := newTestController(t, vm, params.Params{"cancel_timeout": "3"})

		err := c.Cancel()
		assert.ErrorIs(t, err, ErrVerification)
	})

	t.Run("stale event is not trusted", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.ignore["cancel"] = true
		vm.mon.emit(monitor.EventBlockJobCancelled)
		c, _ := newTestController(t, vm, params.Params{"cancel_timeout": "2"})

		assert.ErrorIs(t, c.Cancel(), ErrVerification)
	})
}

func TestIsPaused(t *testing.T) {
	t.Run("paused and still", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job.Paused = true
		c, _ := newTestController(t, vm, nil)

		paused, err := c.IsPaused()
		require.NoError(t, err)
		assert.True(t, paused)
	})

	t.Run("paused flag but offset moves", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job.Paused = true
		vm.advanceWhilePaused = true
		c, _ := newTestController(t, vm, nil)

		paused, err := c.IsPaused()
		require.NoError(t, err)
		assert.False(t, paused)
	})

	t.Run("running", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, fc := newTestController(t, vm, nil)
		start := fc.Now()

		paused, err := c.IsPaused()
		require.NoError(t, err)
		assert.False(t, paused)
		assert.GreaterOrEqual(t, fc.Since(start), time.Second)
		assert.Less(t, fc.Since(start), 3*time.Second)
	})

	t.Run("no job", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job = nil
		c, _ := newTestController(t, vm, nil)

		paused, err := c.IsPaused()
		require.NoError(t, err)
		assert.False(t, paused)
	})
}

func TestPauseJob(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, nil)

	require.NoError(t, c.PauseJob())

	err := c.PauseJob()
	assert.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), "already paused")
	assert.Equal(t, []string{"pause_job"}, vm.cmds())
}

func TestPauseJob_NoEffect(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	vm.ignore["pause_job"] = true
	c, _ := newTestController(t, vm, nil)

	assert.ErrorIs(t, c.PauseJob(), ErrVerification)
}

func TestResumeJob(t *testing.T) {
	t.Run("not paused", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, _ := newTestController(t, vm, nil)

		err := c.ResumeJob()
		assert.ErrorIs(t, err, ErrUsage)
		assert.Empty(t, vm.cmds())
	})

	t.Run("paused", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job.Paused = true
		c, _ := newTestController(t, vm, nil)

		require.NoError(t, c.ResumeJob())
		assert.Equal(t, []string{"resume_job"}, vm.cmds())
	})

	t.Run("stays paused", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.job.Paused = true
		vm.ignore["resume_job"] = true
		c, _ := newTestController(t, vm, nil)

		assert.ErrorIs(t, c.ResumeJob(), ErrVerification)
	})
}

func TestSetSpeedTo(t *testing.T) {
	const n = 10 * 1024 * 1024

	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, nil)
	require.NoError(t, c.SetSpeedTo(n))

	vm = newFakeVM(monitor.EventCapable)
	vm.speedSkew = 1
	c, _ = newTestController(t, vm, nil)
	err := c.SetSpeedTo(n)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "10485760")
	assert.Contains(t, err.Error(), "10485759")

	vm = newFakeVM(monitor.EventCapable)
	vm.job = nil
	c, _ = newTestController(t, vm, nil)
	assert.ErrorIs(t, c.SetSpeedTo(n), ErrVerification)
}

func TestSetSpeed_FromParameters(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, params.Params{"max_speed": "10M"})
	require.NoError(t, c.SetSpeed())

	vm2 := newFakeVM(monitor.EventCapable)
	c2, _ := newTestController(t, vm2, params.Params{"max_speed": "10M", "expected_speed": "1M"})
	require.NoError(t, c2.SetSpeed())

	assert.Equal(t, []string{"set_speed:10485760"}, vm.cmds())
	assert.Equal(t, []string{"set_speed:1048576"}, vm2.cmds())
}

func TestReboot(t *testing.T) {
	t.Run("boot check", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, _ := newTestController(t, vm, params.Params{"reboot_method": "system_reset"})

		require.NoError(t, c.Reboot())
		assert.Equal(t, []string{"reboot:system_reset"}, vm.cmds())
		assert.Len(t, c.sessions, 2)
	})

	t.Run("boot check fails", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.rebootErr = errors.New("no login")
		c, _ := newTestController(t, vm, nil)

		assert.ErrorIs(t, c.Reboot(), ErrVerification)
		assert.Len(t, c.sessions, 1)
	})

	t.Run("reset with event", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.mon.emitReset = true
		c, _ := newTestController(t, vm, params.Params{"reboot_boot_check": "no"})

		require.NoError(t, c.Reboot())
		assert.Equal(t, []string{"system_reset"}, vm.mon.cmds)
		assert.Equal(t, []string{monitor.EventReset, monitor.EventReset}, vm.mon.cleared)
	})

	t.Run("reset without event", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, fc := newTestController(t, vm, params.Params{"reboot_boot_check": "no", "login_timeout": "5"})
		start := fc.Now()

		err := c.Reboot()
		assert.ErrorIs(t, err, ErrVerification)
		assert.Contains(t, err.Error(), monitor.EventReset)
		assert.GreaterOrEqual(t, fc.Since(start), 5*time.Second)
	})

	t.Run("reset on poll only monitor", func(t *testing.T) {
		vm := newFakeVM(monitor.PollOnly)
		c, _ := newTestController(t, vm, params.Params{"reboot_boot_check": "no"})

		require.NoError(t, c.Reboot())
		assert.Equal(t, []string{"system_reset"}, vm.mon.cmds)
		assert.Empty(t, vm.mon.cleared)
	})
}

func TestStopResumeVM(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, nil)

	require.NoError(t, c.StopVM())
	require.NoError(t, c.ResumeVM())
	assert.Equal(t, []string{"pause_vm", "resume_vm"}, vm.cmds())

	vm.stateStuck = true
	err := c.StopVM()
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "paused")
}

func TestVerifyAlive(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, nil)

	require.NoError(t, c.VerifyAlive())
	require.Len(t, vm.sessions, 1)
	assert.Equal(t, []string{"dir"}, vm.sessions[0].cmds)
	assert.Equal(t, []time.Duration{120 * time.Second}, vm.sessions[0].timeouts)

	c, _ = newTestController(t, vm, params.Params{"alive_check_cmd": "uptime"})
	require.NoError(t, c.VerifyAlive())
	assert.Equal(t, []string{"uptime"}, vm.sessions[1].cmds)

	vm.loginErr = errors.New("connection refused")
	assert.ErrorIs(t, c.VerifyAlive(), ErrVerification)
}

func TestWaitForFinish(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	vm.job.Len, vm.job.Offset, vm.advance = 100, 0, 25
	c, _ := newTestController(t, vm, nil)

	require.NoError(t, c.WaitForFinish())
	assert.Equal(t, 4, vm.statusCalls)

	vm = newFakeVM(monitor.EventCapable)
	vm.advance = 0
	c, fc := newTestController(t, vm, params.Params{"wait_timeout": "10", "check_timeout": "3"})
	start := fc.Now()

	assert.ErrorIs(t, c.WaitForFinish(), ErrVerification)
	assert.GreaterOrEqual(t, fc.Since(start), 10*time.Second)

	// A freshly started job reports zero length and offset.
	vm = newFakeVM(monitor.EventCapable)
	vm.job.Len, vm.job.Offset, vm.advance = 0, 0, 0
	c, _ = newTestController(t, vm, params.Params{"wait_timeout": "6", "check_timeout": "3"})

	assert.ErrorIs(t, c.WaitForFinish(), ErrVerification)
	assert.Greater(t, vm.statusCalls, 1)

	vm = newFakeVM(monitor.EventCapable)
	vm.job.Ready = true
	c, _ = newTestController(t, vm, nil)

	require.NoError(t, c.WaitForFinish())
	assert.Equal(t, 1, vm.statusCalls)
}

func TestActions(t *testing.T) {
	t.Run("before start runs in order", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, _ := newTestController(t, vm, params.Params{
			"max_speed":      "1M",
			"before_start":   "set_speed stop",
			"before_cleanup": "resume",
		})

		require.NoError(t, c.ActionBeforeStart())
		require.NoError(t, c.ActionBeforeCleanup())
		assert.Equal(t, []string{"set_speed:1048576", "pause_vm", "resume_vm"}, vm.cmds())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		c, _ := newTestController(t, vm, params.Params{"before_start": "resume_job set_speed"})

		err := c.ActionBeforeStart()
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, err.Error(), "step=resume_job")
		assert.Empty(t, vm.cmds())
	})

	t.Run("empty phase", func(t *testing.T) {
		c, _ := newTestController(t, newFakeVM(monitor.EventCapable), nil)
		require.NoError(t, c.ActionBeforeStart())
		require.NoError(t, c.ActionWhenStart())
	})

	t.Run("when start failures go to diagnostics", func(t *testing.T) {
		vm := newFakeVM(monitor.EventCapable)
		vm.loginGate = make(chan struct{})
		vm.loginErr = errors.New("connection refused")

		var failed []string
		c, _ := newTestController(t, vm, params.Params{"when_start": "verify_alive"},
			WithDiagnostics(func(name string, err error) {
				assert.ErrorIs(t, err, ErrVerification)
				failed = append(failed, name)
			}))

		require.NoError(t, c.ActionWhenStart())
		close(vm.loginGate)
		c.Clean()

		assert.Equal(t, []string{"verify_alive"}, failed)
		assert.Equal(t, []string{"destroy"}, vm.rec.all())
	})
}

func TestPhase_Unknown(t *testing.T) {
	p, err := ParseParameters(testParams(nil))
	require.NoError(t, err)

	_, err = p.Phase("after_party")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestBackingFile(t *testing.T) {
	t.Run("monitor", func(t *testing.T) {
		c, _ := newTestController(t, newFakeVM(monitor.EventCapable), nil)
		assert.Equal(t, testBacking, c.BackingFile())
	})

	t.Run("qemu-img", func(t *testing.T) {
		var gotName string
		var gotArgs []string
		runner := func(_ context.Context, name string, args ...string) (string, error) {
			gotName, gotArgs = name, args
			return "image: /data/images/guest.qcow2\n" +
				"file format: qcow2\n" +
				"virtual size: 10 GiB (10737418240 bytes)\n" +
				"backing file: /data/images/base.qcow2\n" +
				"backing file format: qcow2\n", nil
		}
		c, _ := newTestController(t, newFakeVM(monitor.EventCapable),
			params.Params{"backing_file_strategy": "qemu-img", "qemu_img_binary": "/usr/bin/qemu-img"},
			WithHostRunner(runner))

		assert.Equal(t, testBacking, c.BackingFile())
		assert.Equal(t, "/usr/bin/qemu-img", gotName)
		assert.Equal(t, []string{"info", testImage}, gotArgs)
	})

	t.Run("qemu-img without backing file", func(t *testing.T) {
		runner := func(context.Context, string, ...string) (string, error) {
			return "image: /data/images/guest.qcow2\nfile format: qcow2\n", nil
		}
		c, _ := newTestController(t, newFakeVM(monitor.EventCapable),
			params.Params{"backing_file_strategy": "qemu-img"}, WithHostRunner(runner))

		assert.Empty(t, c.BackingFile())
	})

	t.Run("qemu-img fails", func(t *testing.T) {
		runner := func(context.Context, string, ...string) (string, error) {
			return "", errors.New("exit status 1")
		}
		c, _ := newTestController(t, newFakeVM(monitor.EventCapable),
			params.Params{"backing_file_strategy": "qemu-img"}, WithHostRunner(runner))

		assert.Empty(t, c.BackingFile())
	})
}
