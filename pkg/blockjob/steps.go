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
	"slices"
	"strings"
)

// Step is a named controller operation that scenarios list by name.
type Step struct {
	Name string
	run  func(*Controller) error
}

// Run executes the step against c.
func (s Step) Run(c *Controller) error {
	return s.run(c)
}

// stepNames lists the registered steps in lexical order.
var stepNames = []string{
	"cancel",
	"pause_job",
	"reboot",
	"resume",
	"resume_job",
	"set_speed",
	"stop",
	"verify_alive",
	"wait_for_finish",
}

// StepNames returns the names accepted in step lists.
func StepNames() []string {
	return slices.Clone(stepNames)
}

// lookupStep maps a step name to its controller operation.
func lookupStep(name string) (func(*Controller) error, bool) {
	switch name {
	case "cancel":
		return (*Controller).Cancel, true
	case "pause_job":
		return (*Controller).PauseJob, true
	case "resume_job":
		return (*Controller).ResumeJob, true
	case "set_speed":
		return (*Controller).SetSpeed, true
	case "reboot":
		return (*Controller).Reboot, true
	case "stop":
		return (*Controller).StopVM, true
	case "resume":
		return (*Controller).ResumeVM, true
	case "verify_alive":
		return (*Controller).VerifyAlive, true
	case "wait_for_finish":
		return (*Controller).WaitForFinish, true
	default:
		return nil, false
	}
}

func resolveSteps(names []string) ([]Step, error) {
	steps := make([]Step, 0, len(names))
	var errs []error

	for _, name := range names {
		run, ok := lookupStep(name)
		if !ok {
			errs = append(errs, &OperationError{
				Op:   "steps",
				Kind: ErrUsage,
				Msg:  fmt.Sprintf("undefined step %q (known: %s)", name, strings.Join(stepNames, ", ")),
				Err:  ErrUnknownStep,
			})
			continue
		}
		steps = append(steps, Step{Name: name, run: run})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return steps, nil
}
