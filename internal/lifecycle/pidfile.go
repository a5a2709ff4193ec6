// Copyright 2025 Tom Barlow
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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDRecord describes whether a PID file currently names a process.
// A record is read at the start of a restart cycle and consumed immediately.
type PIDRecord struct {
	Path   string
	Exists bool
	PID    int
}

// PIDFileManager reads, writes and removes the PID file of one proxy instance.
type PIDFileManager struct {
	path string
}

// NewPIDFileManager creates a new PID file manager for the given path.
func NewPIDFileManager(path string) *PIDFileManager {
	return &PIDFileManager{
		path: path,
	}
}

// Path returns the managed PID file path.
func (m *PIDFileManager) Path() string {
	return m.path
}

// Resolve reads the PID file into a PIDRecord.
//
// A missing file, unreadable file or content that is not a positive integer all
// resolve to a record with Exists=false: a corrupt PID file left behind by an
// unclean shutdown must not block a restart. The second return value carries the
// reason a present file was discarded, if any.
func (m *PIDFileManager) Resolve() (PIDRecord, error) {
	rec := PIDRecord{Path: m.path}

	pid, err := m.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, nil
		}
		return rec, err
	}

	rec.Exists = true
	rec.PID = pid
	return rec, nil
}

// Read reads the PID from the file.
// Returns ErrInvalidPID if the file contains non-numeric data.
func (m *PIDFileManager) Read() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, pidStr)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}

	return pid, nil
}

// Write records pid in the PID file, replacing any previous content.
// The file is written to a temporary sibling and renamed into place so readers
// never observe a partially written PID.
func (m *PIDFileManager) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}

	parentDir := filepath.Dir(m.path)
	if err := m.verifyDirectorySafety(parentDir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}

	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	tmp, err := os.CreateTemp(parentDir, "."+filepath.Base(m.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write PID: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close PID file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set PID file mode: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install PID file: %w", err)
	}

	return nil
}

// Remove deletes the PID file. A file that is already gone is not an error.
func (m *PIDFileManager) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	return nil
}

// Exists returns true if the PID file exists.
func (m *PIDFileManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// verifyDirectorySafety checks that the directory is not world-writable.
// This prevents attacks where an attacker creates a symlink in a world-writable
// directory pointing to a file they want us to overwrite.
func (m *PIDFileManager) verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	// Sticky directories like /tmp are world-writable but only let owners
	// replace their own entries.
	mode := info.Mode()
	if mode&0002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}

	return nil
}
