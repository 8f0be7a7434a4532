package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/blockjob/internal/util/ssh"
	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"libvirt.org/go/libvirt"
)

var (
	// ErrBlockNotFound is returned by GetBlock when no device matches.
	ErrBlockNotFound = errors.New("block device not found")

	errVMNotFound           = errors.New("VM not found")
	errVMNotRunning         = errors.New("VM not running")
	errMonitorUnresponsive  = errors.New("VM monitor is unresponsive")
	errTimeoutWaitingIP     = errors.New("timed out waiting for VM IP address")
	errGetDomainState       = errors.New("failed to get domain state")
	errSuspendDomain        = errors.New("failed to suspend domain")
	errResumeDomain         = errors.New("failed to resume domain")
	errDestroyDomain        = errors.New("failed to destroy domain")
	errBlockJobCommand      = errors.New("block job command failed")
	errUnknownRebootMethod  = errors.New("unknown reboot method")
	errGuestDidNotGoDown    = errors.New("guest did not go down after reboot request")
	errSystemResetCommand   = errors.New("system_reset failed")
	errGetDomainXMLForBlock = errors.New("failed to read domain XML for block lookup")
)

const (
	// RebootShell asks the guest to reboot itself through a session.
	RebootShell = "shell"
	// RebootSystemReset resets the machine through the monitor.
	RebootSystemReset = "system_reset"

	rebootCommand        = "reboot"
	rebootCommandTimeout = 10 * time.Second
	probeCommandTimeout  = 5 * time.Second
	maxIPBackoff         = 30 * time.Second
)

// Domain is the subset of *libvirt.Domain used by VM.
type Domain interface {
	monitor.CommandRunner
	IsActive() (bool, error)
	GetState() (libvirt.DomainState, int, error)
	Suspend() error
	Resume() error
	Destroy() error
	Free() error
	GetXMLDesc(flags libvirt.DomainXMLFlags) (string, error)
	ListAllInterfaceAddresses(src libvirt.DomainInterfaceAddressesSource) ([]libvirt.DomainInterface, error)
}

// LoginFunc opens a guest session on host.
type LoginFunc func(host string, timeout time.Duration) (ssh.Session, error)

// VM is a handle on a running domain and its monitor.
type VM struct {
	name  string
	dom   Domain
	mon   monitor.Monitor
	login LoginFunc

	mu        sync.Mutex
	destroyed bool
}

// NewVM wraps dom. The VM owns dom and mon and releases both in Destroy.
func NewVM(name string, dom Domain, mon monitor.Monitor, login LoginFunc) *VM {
	return &VM{
		name:  name,
		dom:   dom,
		mon:   mon,
		login: login,
	}
}

// Name returns the domain name.
func (v *VM) Name() string {
	return v.name
}

// Monitor returns the monitor of the VM.
func (v *VM) Monitor() monitor.Monitor {
	return v.mon
}

// VerifyAlive checks that the domain runs and its monitor answers.
func (v *VM) VerifyAlive() error {
	active, err := v.dom.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.name), errGetDomainState)
	}
	if !active {
		return errors.Join(fmt.Errorf("vmName=%s", v.name), errVMNotRunning)
	}

	if _, err := v.mon.Info("status"); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.name), errMonitorUnresponsive)
	}
	return nil
}

// GetBlock returns the device whose attributes equal every entry of match.
// Supported keys are "device", "file", "backing_file" and "format". The
// monitor's block table is searched first, then the domain XML.
func (v *VM) GetBlock(match map[string]string) (string, error) {
	reply, err := v.mon.Info("block")
	if err != nil {
		slog.Debug("info block failed, falling back to domain XML", "vmName", v.name, "error", err.Error())
	} else if device, ok := matchBlockReply(reply, match); ok {
		return device, nil
	}

	xml, err := v.dom.GetXMLDesc(0)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", v.name), errGetDomainXMLForBlock)
	}

	device, ok, err := matchDomainDisks(xml, match)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", v.name), errGetDomainXMLForBlock)
	}
	if !ok {
		return "", errors.Join(fmt.Errorf("vmName=%s match=%v", v.name, match), ErrBlockNotFound)
	}
	return device, nil
}

// GetJobStatus returns the block job running on device, or nil if there is
// none. Monitor lock contention is reported as monitor.ErrLocked.
func (v *VM) GetJobStatus(device string) (*monitor.BlockJob, error) {
	jobs, err := v.mon.BlockJobs()
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if jobs[i].Device == device {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// CancelBlockJob asks QEMU to cancel the job on device.
func (v *VM) CancelBlockJob(device string) error {
	return v.jobCmd("block-job-cancel", map[string]any{"device": device})
}

// PauseBlockJob asks QEMU to pause the job on device.
func (v *VM) PauseBlockJob(device string) error {
	return v.jobCmd("block-job-pause", map[string]any{"device": device})
}

// ResumeBlockJob asks QEMU to resume the job on device.
func (v *VM) ResumeBlockJob(device string) error {
	return v.jobCmd("block-job-resume", map[string]any{"device": device})
}

// SetJobSpeed limits the job on device to speed bytes per second.
func (v *VM) SetJobSpeed(device string, speed int64) error {
	return v.jobCmd("block-job-set-speed", map[string]any{"device": device, "speed": speed})
}

func (v *VM) jobCmd(name string, args map[string]any) error {
	if _, err := v.mon.Cmd(name, args); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s command=%s", v.name, name), errBlockJobCommand)
	}
	return nil
}

// Pause suspends the whole VM.
func (v *VM) Pause() error {
	if err := v.dom.Suspend(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.name), errSuspendDomain)
	}
	return nil
}

// Resume resumes a suspended VM.
func (v *VM) Resume() error {
	if err := v.dom.Resume(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.name), errResumeDomain)
	}
	return nil
}

// Status returns the run state name, e.g. "running" or "paused".
func (v *VM) Status() (string, error) {
	state, _, err := v.dom.GetState()
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", v.name), errGetDomainState)
	}
	return stateName(state), nil
}

// VerifyStatus reports whether the run state equals expected.
func (v *VM) VerifyStatus(expected string) (bool, error) {
	status, err := v.Status()
	if err != nil {
		return false, err
	}
	if status != expected {
		slog.Info("vm status mismatch", "vmName", v.name, "expected", expected, "actual", status)
		return false, nil
	}
	return true, nil
}

// WaitForLogin waits for the guest to lease an address and accept a login.
func (v *VM) WaitForLogin(timeout time.Duration) (ssh.Session, error) {
	deadline := time.Now().Add(timeout)

	ip, err := v.domainIP(deadline)
	if err != nil {
		return nil, err
	}

	return v.login(ip, time.Until(deadline))
}

// Reboot restarts the guest and returns a session opened after it came
// back. With RebootShell the reboot is requested through session and the
// call waits for that session to stop answering first. session is left
// open; its owner closes it.
func (v *VM) Reboot(session ssh.Session, timeout time.Duration, method string) (ssh.Session, error) {
	deadline := time.Now().Add(timeout)

	switch method {
	case RebootShell:
		slog.Info("rebooting guest from a session", "vmName", v.name)
		// The connection usually drops before the command returns.
		if _, err := session.Cmd(rebootCommand, rebootCommandTimeout); err != nil {
			slog.Debug("reboot command returned an error", "vmName", v.name, "error", err.Error())
		}
		if err := waitForSessionDown(session, deadline); err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmName=%s", v.name))
		}
	case RebootSystemReset:
		slog.Info("resetting vm through the monitor", "vmName", v.name)
		if _, err := v.mon.Cmd("system_reset", nil); err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmName=%s", v.name), errSystemResetCommand)
		}
	default:
		return nil, errors.Join(fmt.Errorf("method=%q", method), errUnknownRebootMethod)
	}

	return v.WaitForLogin(time.Until(deadline))
}

// Destroy powers the domain off and releases the handle and monitor.
// Further calls are no-ops.
func (v *VM) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		return nil
	}
	v.destroyed = true

	var errs []error
	active, err := v.dom.IsActive()
	if err != nil {
		errs = append(errs, errors.Join(err, errGetDomainState))
	}
	if active {
		if err := v.dom.Destroy(); err != nil {
			errs = append(errs, errors.Join(err, errDestroyDomain))
		}
	}

	if err := v.mon.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.dom.Free(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append(errs, fmt.Errorf("vmName=%s", v.name))...)
	}
	slog.Info("vm destroyed", "vmName", v.name)
	return nil
}

// domainIP polls the DHCP leases of the domain with a growing backoff.
func (v *VM) domainIP(deadline time.Time) (string, error) {
	backoff := 1 * time.Second

	for {
		ifaces, err := v.dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
		if err == nil {
			for _, iface := range ifaces {
				for _, addr := range iface.Addrs {
					if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
						return strings.Split(addr.Addr, "/")[0], nil
					}
				}
			}
		} else {
			slog.Debug("error listing interface addresses", "vmName", v.name, "error", err.Error())
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.Join(fmt.Errorf("vmName=%s", v.name), errTimeoutWaitingIP)
		}

		time.Sleep(min(backoff, remaining))
		backoff = min(time.Duration(float64(backoff)*1.5), maxIPBackoff)
	}
}

func waitForSessionDown(session ssh.Session, deadline time.Time) error {
	for {
		if _, err := session.Cmd("true", probeCommandTimeout); err != nil {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errGuestDidNotGoDown
		}
		time.Sleep(min(time.Second, remaining))
	}
}

var stateNames = map[libvirt.DomainState]string{
	libvirt.DOMAIN_NOSTATE:     "nostate",
	libvirt.DOMAIN_RUNNING:     "running",
	libvirt.DOMAIN_BLOCKED:     "blocked",
	libvirt.DOMAIN_PAUSED:      "paused",
	libvirt.DOMAIN_SHUTDOWN:    "shutdown",
	libvirt.DOMAIN_SHUTOFF:     "shutoff",
	libvirt.DOMAIN_CRASHED:     "crashed",
	libvirt.DOMAIN_PMSUSPENDED: "pmsuspended",
}

func stateName(state libvirt.DomainState) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(state))
}
