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

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitCodeInterrupted is the exit code used when a signal triggers the shutdown.
const ExitCodeInterrupted = 130

// GracefulShutdown runs teardown hooks exactly once, either when the
// program finishes or when it receives SIGTERM or SIGINT, then exits.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	hooks []func()

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown that calls exitFunc instead of os.Exit.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}

	// A signal, or an explicit cancel, starts the shutdown. After a normal
	// Shutdown this is a no-op.
	go func() {
		<-ctx.Done()
		gs.Shutdown(ExitCodeInterrupted)
	}()

	return gs
}

// New creates a GracefulShutdown that exits the process.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers fn to run during shutdown. Hooks run in reverse
// registration order.
func (s *GracefulShutdown) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Shutdown runs the hooks and exits with exitCode. Only the first call has
// an effect; later calls wait for it to complete.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		defer close(s.done)
		slog.Info("shutting down", "name", s.name, "exitCode", exitCode)

		s.cancel()

		s.mu.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}

		s.exitFunc(exitCode)
	})
}

// Context is cancelled when the shutdown starts.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc starts the shutdown as if a signal was received.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// Done is closed once the shutdown completed.
func (s *GracefulShutdown) Done() <-chan struct{} {
	return s.done
}
