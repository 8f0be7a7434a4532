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
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/blockjob/pkg/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	vm := newFakeVM(monitor.EventCapable)
	c, _ := newTestController(t, vm, nil)
	c.remove = func(path string) error {
		vm.rec.add("remove:%s", path)
		if path == "/tmp/b" {
			return errors.New("permission denied")
		}
		return nil
	}

	_, err := c.GetSession()
	require.NoError(t, err)
	_, err = c.GetSession()
	require.NoError(t, err)
	c.TrashFile("/tmp/a")
	c.TrashFile("/tmp/b")
	c.TrashFile("/tmp/c")

	c.Clean()
	c.Clean()

	assert.Equal(t, []string{
		"close:session-2",
		"close:session-1",
		"destroy",
		"remove:/tmp/c",
		"remove:/tmp/b",
		"remove:/tmp/a",
	}, vm.rec.all())
}

func TestClean_RemovesFiles(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept")
	trashed := filepath.Join(dir, "trashed")
	for _, p := range []string{kept, trashed} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	c, _ := newTestController(t, newFakeVM(monitor.EventCapable), nil)
	c.TrashFile(trashed)
	c.TrashFile(filepath.Join(dir, "never-created"))

	c.Clean()

	assert.FileExists(t, kept)
	assert.NoFileExists(t, trashed)
}

func TestTrashFile_AfterClean(t *testing.T) {
	dir := t.TempDir()
	late := filepath.Join(dir, "late")
	require.NoError(t, os.WriteFile(late, []byte("x"), 0o600))

	c, _ := newTestController(t, newFakeVM(monitor.EventCapable), nil)
	c.Clean()

	c.TrashFile(late)
	assert.NoFileExists(t, late)

	// Already gone: no error surfaces.
	c.TrashFile(late)
}
