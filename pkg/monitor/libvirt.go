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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"libvirt.org/go/libvirt"
)

// CommandRunner sends raw monitor commands. *libvirt.Domain implements it.
type CommandRunner interface {
	QemuMonitorCommand(command string, flags libvirt.DomainQemuMonitorCommandFlags) (string, error)
}

var (
	eventLoopOnce sync.Once
	eventLoopErr  error
)

// StartEventLoop registers libvirt's default event implementation and
// runs it in a background goroutine. QMP events are only delivered while
// the loop runs, and it must be started before the connection is opened.
func StartEventLoop() error {
	eventLoopOnce.Do(func() {
		if err := libvirt.EventRegisterDefaultImpl(); err != nil {
			eventLoopErr = fmt.Errorf("registering libvirt event loop: %w", err)
			return
		}

		go func() {
			for {
				if err := libvirt.EventRunDefaultImpl(); err != nil {
					slog.Error("libvirt event loop iteration failed", "error", err.Error())
				}
			}
		}()
	})

	return eventLoopErr
}

// Open returns a monitor of the requested dialect for dom.
func Open(conn *libvirt.Connect, dom *libvirt.Domain, dialect string) (Monitor, error) {
	switch strings.ToLower(dialect) {
	case "", DialectQMP:
		q, err := NewQMP(conn, dom)
		if err != nil {
			return nil, err
		}
		return q, nil
	case DialectHMP:
		return NewHMP(dom), nil
	default:
		return nil, errors.Join(fmt.Errorf("dialect=%q", dialect), ErrUnknownDialect)
	}
}

// classify turns libvirt's state change lock timeout into ErrLocked.
func classify(command string, err error) error {
	var lerr libvirt.Error
	if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_OPERATION_TIMEOUT {
		return errors.Join(fmt.Errorf("command=%q", command), ErrLocked, err)
	}
	return fmt.Errorf("sending monitor command %q: %w", command, err)
}
