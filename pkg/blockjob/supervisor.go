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
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Activity is a background unit started by a Supervisor.
type Activity struct {
	Name string

	done chan struct{}
	err  error
}

// Alive reports whether the activity is still running.
func (a *Activity) Alive() bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the activity returns and reports its error.
func (a *Activity) Wait() error {
	<-a.done
	return a.err
}

func (a *Activity) run(fn func() error) {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			a.err = fmt.Errorf("%w: %v", errActivityPanic, r)
		}
	}()

	a.err = fn()
}

// Supervisor runs disturbance activities next to the block job. Their
// errors never reach the caller of Launch.
type Supervisor struct {
	log         *slog.Logger
	diagnostics func(name string, err error)
	spawn       func(func())

	mu      sync.Mutex
	tracked []*Activity
}

func newSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{
		log:   log,
		spawn: func(f func()) { go f() },
	}
}

// Launch starts fn. The activity is tracked for Join only if it is still
// running right after it was started.
func (s *Supervisor) Launch(name string, fn func() error) *Activity {
	a := &Activity{Name: name, done: make(chan struct{})}
	s.spawn(func() { a.run(fn) })

	if !a.Alive() {
		s.log.Debug("background activity finished before it could be tracked", "activity", name)
		return a
	}

	s.mu.Lock()
	s.tracked = append(s.tracked, a)
	s.mu.Unlock()
	s.log.Info("background activity started", "activity", name)
	return a
}

// Join waits for every tracked activity, without timeout, and hands their
// failures to the diagnostics callback.
func (s *Supervisor) Join() {
	s.mu.Lock()
	tracked := s.tracked
	s.tracked = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, a := range tracked {
		g.Go(a.Wait)
	}
	_ = g.Wait()

	for _, a := range tracked {
		if a.err == nil {
			continue
		}
		if s.diagnostics != nil {
			s.diagnostics(a.Name, a.err)
			continue
		}
		s.log.Debug("background activity failed", "activity", a.Name, "error", a.err.Error())
	}
}
