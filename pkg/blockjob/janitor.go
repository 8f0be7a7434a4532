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
	"io/fs"
)

// Clean releases everything the controller acquired: it joins background
// activities, closes guest sessions newest first, destroys the VM and
// removes trash files. Failures are logged and do not stop the teardown.
// Only the first call does anything.
func (c *Controller) Clean() {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	c.mu.Unlock()

	c.supervisor.Join()

	c.mu.Lock()
	sessions := c.sessions
	trash := c.trash
	c.sessions, c.trash = nil, nil
	c.drained = true
	c.mu.Unlock()

	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].Close(); err != nil {
			c.log.Warn("failed to close guest session", "error", err.Error())
		}
	}

	if c.vm != nil {
		if err := c.vm.Destroy(); err != nil {
			c.log.Warn("failed to destroy vm", "error", err.Error())
		}
	}

	for i := len(trash) - 1; i >= 0; i-- {
		c.removeTrash(trash[i])
	}

	c.log.Info("cleanup done", "sessions", len(sessions), "trashFiles", len(trash))
}

// removeTrash deletes path. A missing file is not an error.
func (c *Controller) removeTrash(path string) {
	if err := c.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Debug("failed to remove trash file", "path", path, "error", err.Error())
	}
}
