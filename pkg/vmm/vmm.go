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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/blockjob/internal/util/ssh"
	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"libvirt.org/go/libvirt"
)

const defaultURI = "qemu:///system"

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errOpenMonitor           = errors.New("failed to open monitor")
)

// VMM attaches to libvirt domains that are already running.
type VMM struct {
	uri  string
	conn *libvirt.Connect
}

// VMMOption is a function that modifies VMM configuration
type VMMOption func(*VMM)

// WithURI sets the libvirt connection URI.
func WithURI(uri string) VMMOption {
	return func(v *VMM) {
		if uri != "" {
			v.uri = uri
		}
	}
}

// NewVMM starts the libvirt event loop and connects to libvirt.
func NewVMM(opts ...VMMOption) (*VMM, error) {
	v := &VMM{uri: defaultURI}
	for _, opt := range opts {
		opt(v)
	}

	// Events are only delivered on connections opened after the loop is registered.
	if err := monitor.StartEventLoop(); err != nil {
		return nil, errors.Join(err, errConnectLibvirt)
	}

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", v.uri), errConnectLibvirt)
	}
	v.conn = conn

	return v, nil
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}

// GetDomainByName looks a domain up by name. It returns nil if the domain
// does not exist. The caller owns the returned handle.
func (v *VMM) GetDomainByName(name string) (*libvirt.Domain, error) {
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	domain, err := v.conn.LookupDomainByName(name)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, nil
		}
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name))
	}

	return domain, nil
}

// GuestOptions are the credentials used to open guest sessions.
type GuestOptions struct {
	User       string
	PrivateKey []byte
	Port       string
}

// AttachOptions configure Attach.
type AttachOptions struct {
	// Monitor is the monitor dialect, qmp (default) or hmp.
	Monitor string
	Guest   GuestOptions
}

// Attach returns a handle on the running domain name.
func (v *VMM) Attach(name string, opts AttachOptions) (*VM, error) {
	dom, err := v.GetDomainByName(name)
	if err != nil {
		return nil, err
	}
	if dom == nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", name), errVMNotFound)
	}

	mon, err := monitor.Open(v.conn, dom, opts.Monitor)
	if err != nil {
		_ = dom.Free()
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errOpenMonitor)
	}

	slog.Info("attached to vm", "vmName", name, "monitor", mon.Capability().String())
	return NewVM(name, dom, mon, sshLogin(opts.Guest)), nil
}

func sshLogin(guest GuestOptions) LoginFunc {
	return func(host string, timeout time.Duration) (ssh.Session, error) {
		conn, err := ssh.NewClientFromKey(host, guest.User, guest.PrivateKey, guest.Port).Login(timeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
