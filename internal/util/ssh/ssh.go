package ssh

import (
	"errors"
	"time"
)

var (
	// ErrCommandTimeout is returned when a guest command does not finish in time.
	ErrCommandTimeout = errors.New("guest command timed out")
	// ErrLoginTimeout is returned when the guest does not accept a login in time.
	ErrLoginTimeout = errors.New("timed out waiting for guest login")
	// ErrSessionClosed is returned by Cmd after Close.
	ErrSessionClosed = errors.New("session is closed")
)

// Session is an interactive channel to a guest.
type Session interface {
	// Cmd runs command and returns its combined output. It fails if the
	// command exits non-zero or does not finish within timeout.
	Cmd(command string, timeout time.Duration) (string, error)
	// Close releases the channel. Closing twice is a no-op.
	Close() error
}
