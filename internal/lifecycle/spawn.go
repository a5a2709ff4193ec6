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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrConfigNotFound is returned when the proxy configuration file cannot be read.
	ErrConfigNotFound = errors.New("proxy configuration not readable")

	// ErrSpawnRejected is returned when the operating system refuses to start the process.
	ErrSpawnRejected = errors.New("process spawn rejected")
)

// Placeholders substituted in launch arguments.
const (
	ConfigPlaceholder  = "{config}"
	PIDFilePlaceholder = "{pidfile}"
)

// DefaultWaitDelay bounds how long exit observation waits for output pipes
// held open by descendants of the launched process.
const DefaultWaitDelay = 5 * time.Second

// ExitStatus is the terminal state of a launched process.
type ExitStatus struct {
	PID      int
	ExitCode int
	Err      error
}

// LaunchRequest describes one proxy instance to start.
type LaunchRequest struct {
	// ConfigPath is the proxy configuration file. It must be readable.
	ConfigPath string

	// PIDFile is where the instance records its PID.
	PIDFile string

	// WritePIDFile makes the launcher write PIDFile after spawn, for proxies
	// that do not record their own PID.
	WritePIDFile bool

	// OnExit is invoked from a background goroutine once the process exits.
	OnExit func(ExitStatus)

	// Logger receives the process stdout/stderr, one record per line.
	Logger *slog.Logger

	// OutputFile, when set, receives the process stdout/stderr instead of
	// Logger. Use it when the caller exits before the process: a pipe whose
	// reader is gone kills the writer with SIGPIPE.
	OutputFile string
}

// Handle refers to a launched process whose exit is being observed.
type Handle struct {
	PID  int
	done chan struct{}
}

// Done is closed after the process has exited and OnExit has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Launcher spawns detached proxy processes.
type Launcher struct {
	// Binary is the proxy executable.
	Binary string

	// Args is the argument template; see ConfigPlaceholder and PIDFilePlaceholder.
	Args []string

	// Env is the environment of the child process.
	Env []string

	// WaitDelay is passed to exec.Cmd.WaitDelay.
	WaitDelay time.Duration
}

// NewLauncher creates a launcher for binary with the given argument template.
func NewLauncher(binary string, args []string) *Launcher {
	return &Launcher{
		Binary:    binary,
		Args:      args,
		Env:       os.Environ(),
		WaitDelay: DefaultWaitDelay,
	}
}

// WithEnv sets additional environment variables for the spawned process.
func (l *Launcher) WithEnv(env []string) *Launcher {
	l.Env = append(os.Environ(), env...)
	return l
}

// ExpandArgs substitutes the configuration and PID file paths into the argument template.
func (l *Launcher) ExpandArgs(configPath, pidFile string) []string {
	r := strings.NewReplacer(ConfigPlaceholder, configPath, PIDFilePlaceholder, pidFile)
	args := make([]string, len(l.Args))
	for i, a := range l.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// Launch starts the proxy and returns as soon as the OS has accepted the spawn.
// The process:
// - Runs in its own session (not killed when the supervisor exits)
// - Has stdin closed, stdout/stderr forwarded to req.Logger line by line,
//   or appended to req.OutputFile
//
// Exit is observed asynchronously and delivered to req.OnExit. A nonzero exit
// is not a Launch failure.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Handle, error) {
	if err := CheckConfig(req.ConfigPath); err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// The child must outlive ctx, so it is not bound to it.
	cmd := exec.Command(l.Binary, l.ExpandArgs(req.ConfigPath, req.PIDFile)...)
	cmd.Env = l.Env
	cmd.Stdin = nil

	var stdout, stderr *lineWriter
	if req.OutputFile != "" {
		out, err := openOutputFile(req.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSpawnRejected, err)
		}
		// The child holds its own descriptor after Start.
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		stdout = newLineWriter(logger, "stdout")
		stderr = newLineWriter(logger, "stderr")
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}
	cmd.WaitDelay = l.WaitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// A new session also makes the child its own process group leader.
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnRejected, err)
	}

	pid := cmd.Process.Pid
	logger.DebugContext(ctx, "proxy process spawned", slog.Int("pid", pid), slog.String("binary", l.Binary))

	if req.WritePIDFile {
		if err := NewPIDFileManager(req.PIDFile).Write(pid); err != nil {
			logger.Warn("failed to write PID file for launched process",
				slog.Int("pid", pid), slog.String("pid_file", req.PIDFile), slog.Any("error", err))
		}
	}

	h := &Handle{PID: pid, done: make(chan struct{})}
	go func() {
		defer close(h.done)

		waitErr := cmd.Wait()
		if stdout != nil {
			stdout.Flush()
			stderr.Flush()
		}

		status := ExitStatus{PID: pid, ExitCode: -1}
		if cmd.ProcessState != nil {
			status.ExitCode = cmd.ProcessState.ExitCode()
		}

		var exitErr *exec.ExitError
		switch {
		case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		case errors.As(waitErr, &exitErr):
			status.Err = exitErr
		default:
			status.Err = waitErr
		}

		if req.OnExit != nil {
			req.OnExit(status)
		}
	}()

	return h, nil
}

// CheckConfig reports ErrConfigNotFound unless path is a readable file.
func CheckConfig(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}
	return f.Close()
}

func openOutputFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return f, nil
}
