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
)

var (
	// ErrUsage marks an operation called while its precondition was false,
	// such as pausing a job that is already paused.
	ErrUsage = errors.New("usage error")
	// ErrVerification marks a command whose effect could not be confirmed
	// in time, or a queried value that did not match.
	ErrVerification = errors.New("verification failed")
	// ErrLookup marks a device, image or backing file that could not be
	// resolved.
	ErrLookup = errors.New("lookup failed")
	// ErrUnknownStep is returned for step names missing from the registry.
	// It is always reported together with ErrUsage.
	ErrUnknownStep = errors.New("unknown step")

	errActivityPanic = errors.New("background activity panicked")
	errInvalidParams = errors.New("invalid job parameters")
	errResolveVM     = errors.New("failed to resolve VM")
	errResolveDevice = errors.New("failed to resolve block device")
)

// OperationError is returned by controller operations. Kind is ErrUsage or
// ErrVerification.
type OperationError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OperationError) Error() string {
	s := fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func usageError(op, format string, args ...any) error {
	return &OperationError{Op: op, Kind: ErrUsage, Msg: fmt.Sprintf(format, args...)}
}

func verificationError(op, format string, args ...any) error {
	return &OperationError{Op: op, Kind: ErrVerification, Msg: fmt.Sprintf(format, args...)}
}

func verificationErrorFrom(op string, err error, format string, args ...any) error {
	return &OperationError{Op: op, Kind: ErrVerification, Msg: fmt.Sprintf(format, args...), Err: err}
}
