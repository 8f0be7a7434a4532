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
	"time"

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
)

const (
	// eventPollInterval is how often cancel and reset confirmations are checked.
	eventPollInterval = time.Second
	aliveCheckTimeout = 120 * time.Second
)

// Cancel cancels the job and waits until it is gone and, on event capable
// monitors, BLOCK_JOB_CANCELLED was received. If there is no job Cancel
// returns nil without sending anything.
func (c *Controller) Cancel() (err error) {
	const op = "cancel"
	defer func() { c.metrics.observe(op, err) }()

	p, err := c.Parameters()
	if err != nil {
		return err
	}

	job, err := c.Poll()
	if err != nil {
		return err
	}
	if job == nil {
		c.log.Info("no block job to cancel")
		return nil
	}

	mon := c.vm.Monitor()
	withEvents := mon.Capability() == monitor.EventCapable

	c.log.Info("cancel block job", "type", job.Type, "cancelTimeout", p.CancelTimeout)
	if withEvents {
		mon.ClearEvent(monitor.EventBlockJobCancelled)
	}
	if err := c.vm.CancelBlockJob(c.device); err != nil {
		return err
	}

	cancelled, err := c.waitFor(op, p.CancelTimeout, eventPollInterval, func() (bool, error) {
		job, err := c.Poll()
		if err != nil || job != nil {
			return false, err
		}
		if withEvents {
			_, ok := mon.GetEvent(monitor.EventBlockJobCancelled)
			return ok, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return verificationError(op, "block job on %s not cancelled within %s", c.device, p.CancelTimeout)
	}

	if withEvents {
		mon.ClearEvent(monitor.EventBlockJobCancelled)
	}
	return nil
}

// IsPaused samples the job twice, a short random interval apart. The job
// is paused only if both samples say so and its offset did not move.
func (c *Controller) IsPaused() (bool, error) {
	first, err := c.Poll()
	if err != nil {
		return false, err
	}

	c.clock.Sleep(settleInterval())

	second, err := c.Poll()
	if err != nil {
		return false, err
	}

	if first == nil || second == nil {
		return false, nil
	}
	return first.Paused && second.Paused && first.Offset == second.Offset, nil
}

// PauseJob pauses the job. Pausing a paused job is a usage error.
func (c *Controller) PauseJob() (err error) {
	const op = "pause_job"
	defer func() { c.metrics.observe(op, err) }()

	paused, err := c.IsPaused()
	if err != nil {
		return err
	}
	if paused {
		return usageError(op, "block job on %s is already paused", c.device)
	}

	c.log.Info("pause block job")
	if err := c.vm.PauseBlockJob(c.device); err != nil {
		return err
	}
	c.clock.Sleep(settleInterval())

	paused, err = c.IsPaused()
	if err != nil {
		return err
	}
	if !paused {
		return verificationError(op, "block job on %s did not pause", c.device)
	}
	return nil
}

// ResumeJob resumes a paused job. Resuming a job that is not paused is a
// usage error and sends nothing.
func (c *Controller) ResumeJob() (err error) {
	const op = "resume_job"
	defer func() { c.metrics.observe(op, err) }()

	paused, err := c.IsPaused()
	if err != nil {
		return err
	}
	if !paused {
		return usageError(op, "block job on %s is not paused and cannot be resumed", c.device)
	}

	c.log.Info("resume block job")
	if err := c.vm.ResumeBlockJob(c.device); err != nil {
		return err
	}

	paused, err = c.IsPaused()
	if err != nil {
		return err
	}
	if paused {
		return verificationError(op, "block job on %s is still paused", c.device)
	}
	return nil
}

// SetSpeed applies expected_speed, which defaults to max_speed.
func (c *Controller) SetSpeed() error {
	p, err := c.Parameters()
	if err != nil {
		return err
	}
	return c.SetSpeedTo(p.ExpectedSpeed)
}

// SetSpeedTo limits the job to speed bytes per second and checks that the
// job reports that speed.
func (c *Controller) SetSpeedTo(speed int64) (err error) {
	const op = "set_speed"
	defer func() { c.metrics.observe(op, err) }()

	c.log.Info("set block job speed", "speed", speed)
	if err := c.vm.SetJobSpeed(c.device, speed); err != nil {
		return err
	}

	job, err := c.Poll()
	if err != nil {
		return err
	}
	if job == nil {
		return verificationError(op, "unable to query the status of the block job on %s", c.device)
	}
	if job.Speed != speed {
		return verificationError(op, "expected speed %d B/s, actual speed %d B/s", speed, job.Speed)
	}
	return nil
}

// Reboot restarts the guest. With reboot_boot_check (the default) the
// guest is rebooted with reboot_method and must accept a new login; the
// new session is closed by Clean. Otherwise the VM is reset through the
// monitor, and on event capable monitors the RESET event must arrive
// within login_timeout.
func (c *Controller) Reboot() (err error) {
	const op = "reboot"
	defer func() { c.metrics.observe(op, err) }()

	p, err := c.Parameters()
	if err != nil {
		return err
	}

	if p.RebootBootCheck {
		c.log.Info("reboot vm", "method", p.RebootMethod)
		session, err := c.GetSession()
		if err != nil {
			return err
		}
		fresh, err := c.vm.Reboot(session, p.LoginTimeout, p.RebootMethod)
		if err != nil {
			return verificationErrorFrom(op, err, "guest did not come back within %s", p.LoginTimeout)
		}
		c.registerSession(fresh)
		return nil
	}

	mon := c.vm.Monitor()
	c.log.Info("reset guest via system_reset")
	if mon.Capability() != monitor.EventCapable {
		_, err := mon.Cmd("system_reset", nil)
		return err
	}

	mon.ClearEvent(monitor.EventReset)
	if _, err := mon.Cmd("system_reset", nil); err != nil {
		return err
	}
	reset, _ := c.waitFor(op, p.LoginTimeout, eventPollInterval, func() (bool, error) {
		_, ok := mon.GetEvent(monitor.EventReset)
		return ok, nil
	})
	if !reset {
		return verificationError(op, "no %s event received within %s after system_reset",
			monitor.EventReset, p.LoginTimeout)
	}
	mon.ClearEvent(monitor.EventReset)
	return nil
}

// StopVM pauses the whole VM and checks it is paused.
func (c *Controller) StopVM() (err error) {
	const op = "stop"
	defer func() { c.metrics.observe(op, err) }()

	c.log.Info("stop vm")
	if err := c.vm.Pause(); err != nil {
		return err
	}
	return c.expectStatus(op, "paused")
}

// ResumeVM resumes the whole VM and checks it is running.
func (c *Controller) ResumeVM() (err error) {
	const op = "resume"
	defer func() { c.metrics.observe(op, err) }()

	c.log.Info("resume vm")
	if err := c.vm.Resume(); err != nil {
		return err
	}
	return c.expectStatus(op, "running")
}

func (c *Controller) expectStatus(op, expected string) error {
	ok, err := c.vm.VerifyStatus(expected)
	if err != nil {
		return err
	}
	if !ok {
		return verificationError(op, "vm is not %s", expected)
	}
	return nil
}

// VerifyAlive logs into the guest and runs alive_check_cmd.
func (c *Controller) VerifyAlive() (err error) {
	const op = "verify_alive"
	defer func() { c.metrics.observe(op, err) }()

	p, err := c.Parameters()
	if err != nil {
		return err
	}

	c.log.Info("verify guest alive", "command", p.AliveCheckCmd)
	session, err := c.GetSession()
	if err != nil {
		return verificationErrorFrom(op, err, "guest login failed")
	}
	if _, err := session.Cmd(p.AliveCheckCmd, aliveCheckTimeout); err != nil {
		return verificationErrorFrom(op, err, "guest did not answer %q", p.AliveCheckCmd)
	}
	return nil
}

// WaitForFinish waits up to wait_timeout, polling every check_timeout, for
// the job to disappear or to have copied its whole length.
func (c *Controller) WaitForFinish() (err error) {
	const op = "wait_for_finish"
	defer func() { c.metrics.observe(op, err) }()

	p, err := c.Parameters()
	if err != nil {
		return err
	}

	c.log.Info("wait for block job to finish", "waitTimeout", p.WaitTimeout)
	done, err := c.waitFor(op, p.WaitTimeout, p.CheckTimeout, func() (bool, error) {
		job, err := c.Poll()
		if err != nil {
			return false, err
		}
		// A job that has not sized its work yet reports len == offset == 0.
		return job == nil || job.Ready || (job.Len > 0 && job.Offset == job.Len), nil
	})
	if err != nil {
		return err
	}
	if !done {
		return verificationError(op, "block job on %s not finished within %s", c.device, p.WaitTimeout)
	}
	return nil
}
