/*
Copyright 2025 DSA-110 Continuum Imaging.

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

// Package resources implements the resource manager of spec.md §4.3: scoped
// acquisition of temp/scratch directories with guaranteed release, in
// reverse acquisition order, on every exit path.
package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
)

// Manager tracks a LIFO stack of managed resources for a single job, and
// releases them in reverse order on Close (spec.md §4.3).
type Manager struct {
	root string

	mu        sync.Mutex
	stack     []func() error
	scratchAt string
}

// New builds a resource Manager rooted at root (normally config's
// scratch_dir).
func New(root string) *Manager {
	return &Manager{root: root}
}

// TempDir acquires a new, ephemeral temp directory scoped to this manager.
// Its release function is pushed onto the LIFO stack.
func (m *Manager) TempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(m.root, prefix+"-*")
	if err != nil {
		return "", ctlerrors.FailedTo("acquire temp dir", err)
	}
	m.push(func() error { return os.RemoveAll(dir) })
	return dir, nil
}

// ScratchDir returns a single scratch directory reused between stages
// within one job (spec.md §4.3), creating it on first call.
func (m *Manager) ScratchDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scratchAt != "" {
		return m.scratchAt, nil
	}
	dir := filepath.Join(m.root, "scratch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ctlerrors.FailedTo("acquire scratch dir", err)
	}
	m.scratchAt = dir
	m.stack = append(m.stack, func() error { return os.RemoveAll(dir) })
	return dir, nil
}

func (m *Manager) push(release func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = append(m.stack, release)
}

// Close releases every managed resource in reverse acquisition order,
// regardless of whether the job completed, failed, or was cancelled
// (spec.md §4.3). It returns the first release error encountered, if any,
// after attempting every release.
func (m *Manager) Close() error {
	m.mu.Lock()
	stack := m.stack
	m.stack = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i](); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release managed resource: %w", err)
		}
	}
	return firstErr
}
