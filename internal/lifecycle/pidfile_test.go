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
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileManager_Resolve(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file resolves to no record", func(t *testing.T) {
		m := NewPIDFileManager(filepath.Join(tmpDir, "missing.pid"))

		rec, err := m.Resolve()
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if rec.Exists {
			t.Errorf("Resolve().Exists = true, want false")
		}
	})

	t.Run("valid PID resolves to record", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "valid.pid")
		if err := os.WriteFile(pidPath, []byte("4242\n"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		rec, err := NewPIDFileManager(pidPath).Resolve()
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !rec.Exists || rec.PID != 4242 {
			t.Errorf("Resolve() = %+v, want Exists=true PID=4242", rec)
		}
		if rec.Path != pidPath {
			t.Errorf("Resolve().Path = %q, want %q", rec.Path, pidPath)
		}
	})

	corrupt := []struct {
		name    string
		content string
	}{
		{"non-numeric", "abc"},
		{"empty", ""},
		{"zero", "0\n"},
		{"negative", "-12\n"},
		{"trailing garbage", "123abc"},
	}

	for _, tt := range corrupt {
		t.Run("corrupt content "+tt.name+" resolves to no record", func(t *testing.T) {
			pidPath := filepath.Join(tmpDir, "corrupt.pid")
			if err := os.WriteFile(pidPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			rec, err := NewPIDFileManager(pidPath).Resolve()
			if rec.Exists {
				t.Errorf("Resolve().Exists = true, want false")
			}
			if !errors.Is(err, ErrInvalidPID) {
				t.Errorf("Resolve() error = %v, want ErrInvalidPID", err)
			}

			// Resolve must not touch the file.
			if _, err := os.Stat(pidPath); err != nil {
				t.Errorf("PID file removed by Resolve(): %v", err)
			}
		})
	}
}

func TestPIDFileManager_Read(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("trims whitespace", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "ws.pid")
		if err := os.WriteFile(pidPath, []byte("  1234  \n\n"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		pid, err := NewPIDFileManager(pidPath).Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}
	})

	t.Run("missing file returns ErrNotExist", func(t *testing.T) {
		_, err := NewPIDFileManager(filepath.Join(tmpDir, "none.pid")).Read()
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Read() error = %v, want os.ErrNotExist", err)
		}
	})
}

func TestPIDFileManager_Write(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("writes newline terminated PID", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "write.pid")
		m := NewPIDFileManager(pidPath)

		if err := m.Write(1234); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		data, err := os.ReadFile(pidPath)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if string(data) != "1234\n" {
			t.Errorf("PID file content = %q, want %q", data, "1234\n")
		}

		info, err := os.Stat(pidPath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0644 {
			t.Errorf("PID file mode = %04o, want 0644", mode)
		}
	})

	t.Run("replaces existing content", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "replace.pid")
		m := NewPIDFileManager(pidPath)

		if err := m.Write(1); err != nil {
			t.Fatalf("first Write() error = %v", err)
		}
		if err := m.Write(5678); err != nil {
			t.Fatalf("second Write() error = %v", err)
		}

		pid, err := m.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 5678 {
			t.Errorf("Read() = %d, want 5678", pid)
		}
	})

	t.Run("creates parent directory if missing", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "nested", "dir", "test.pid")
		if err := NewPIDFileManager(pidPath).Write(99); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if _, err := os.Stat(pidPath); err != nil {
			t.Errorf("PID file not created: %v", err)
		}
	})

	t.Run("rejects non-positive PID", func(t *testing.T) {
		err := NewPIDFileManager(filepath.Join(tmpDir, "bad.pid")).Write(0)
		if !errors.Is(err, ErrInvalidPID) {
			t.Errorf("Write(0) error = %v, want ErrInvalidPID", err)
		}
	})

	t.Run("rejects world-writable directory", func(t *testing.T) {
		unsafeDir := filepath.Join(tmpDir, "unsafe")
		if err := os.Mkdir(unsafeDir, 0755); err != nil {
			t.Fatalf("Mkdir() error = %v", err)
		}
		if err := os.Chmod(unsafeDir, 0777); err != nil {
			t.Fatalf("Chmod() error = %v", err)
		}

		err := NewPIDFileManager(filepath.Join(unsafeDir, "x.pid")).Write(1)
		if !errors.Is(err, ErrUnsafeDirectory) {
			t.Errorf("Write() error = %v, want ErrUnsafeDirectory", err)
		}
	})

	t.Run("accepts sticky world-writable directory", func(t *testing.T) {
		stickyDir := filepath.Join(tmpDir, "sticky")
		if err := os.Mkdir(stickyDir, 0755); err != nil {
			t.Fatalf("Mkdir() error = %v", err)
		}
		if err := os.Chmod(stickyDir, 0777|os.ModeSticky); err != nil {
			t.Fatalf("Chmod() error = %v", err)
		}

		if err := NewPIDFileManager(filepath.Join(stickyDir, "x.pid")).Write(1); err != nil {
			t.Errorf("Write() error = %v", err)
		}
	})
}

func TestPIDFileManager_Remove(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("removes existing file", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "remove.pid")
		m := NewPIDFileManager(pidPath)
		if err := m.Write(1234); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := m.Remove(); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if m.Exists() {
			t.Error("PID file still exists after Remove()")
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		m := NewPIDFileManager(filepath.Join(tmpDir, "gone.pid"))
		if err := m.Remove(); err != nil {
			t.Errorf("Remove() error = %v", err)
		}
	})
}
