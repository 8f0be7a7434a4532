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

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
)

const pollAttempts = 10

// Poll returns the status of the job on the device, or nil if there is no
// job. A locked monitor is retried up to 10 times with a random backoff;
// if it stays locked Poll reports no job. Other errors are returned as is.
func (c *Controller) Poll() (*monitor.BlockJob, error) {
	for attempt := 1; attempt <= pollAttempts; attempt++ {
		job, err := c.vm.GetJobStatus(c.device)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, monitor.ErrLocked) {
			return nil, err
		}

		c.log.Warn("monitor locked while polling block job", "attempt", attempt, "error", err.Error())
		c.metrics.lockRetry()
		c.clock.Sleep(lockBackoff())
	}

	return nil, nil
}
