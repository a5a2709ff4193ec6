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
	"strings"
	"syscall"
	"time"
)

var (
	// ErrTerminationPermissionDenied is returned when a live process could not be
	// signalled for a reason other than it being absent.
	ErrTerminationPermissionDenied = errors.New("termination signal rejected")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// TerminateResult describes what Terminate found at the recorded PID.
type TerminateResult string

const (
	// TerminateSignalled means the process received SIGTERM (and SIGKILL if forced).
	TerminateSignalled TerminateResult = "signalled"
	// TerminateAlreadyExited means no process with the PID existed.
	TerminateAlreadyExited TerminateResult = "already_exited"
	// TerminateForeign means the PID belongs to an unrelated process, which is left alone.
	TerminateForeign TerminateResult = "foreign"
)

// TerminateOptions controls how a prior instance is stopped.
type TerminateOptions struct {
	// Timeout bounds the wait for the process to disappear after SIGTERM.
	// Zero means signal only, without waiting.
	Timeout time.Duration

	// Force sends SIGKILL when Timeout is exceeded.
	Force bool

	// Match, when non-empty, must appear in the process command line for the
	// PID to be treated as ours.
	Match string
}

// ProcessInfo contains information about a running process.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning checks if a process with the given PID exists.
// Zombies count as exited.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	// Signal 0 performs the existence and permission checks only.
	err := syscall.Kill(pid, syscall.Signal(0))
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}

	return !isZombie(pid)
}

// ProcessMatches reports whether the command line of pid contains match.
// An empty match accepts every process. When the command line cannot be read
// the process is assumed to match so a live instance is never orphaned.
func ProcessMatches(pid int, match string) bool {
	if match == "" {
		return true
	}

	cmd, err := getProcessCommand(pid)
	if err != nil {
		return true
	}

	return strings.Contains(cmd, match)
}

// SendSignal sends a signal to the given process.
func SendSignal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}

	return nil
}

// Terminate stops the process recorded in a PID file.
//
// A PID with no process behind it is not an error. Any other signal delivery
// failure is wrapped in ErrTerminationPermissionDenied. The supervisor itself
// and init are never signalled; a PID file naming them is stale.
func Terminate(pid int, opts TerminateOptions) (TerminateResult, error) {
	if isProtectedPID(pid) || !ProcessMatches(pid, opts.Match) {
		return TerminateForeign, nil
	}

	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return TerminateAlreadyExited, nil
		}
		return "", fmt.Errorf("%w: %w", ErrTerminationPermissionDenied, err)
	}

	if opts.Timeout <= 0 {
		return TerminateSignalled, nil
	}

	err := WaitForExit(pid, opts.Timeout)
	if err == nil {
		return TerminateSignalled, nil
	}

	if !opts.Force {
		return "", err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return TerminateSignalled, nil
		}
		return "", fmt.Errorf("%w: %w", ErrTerminationPermissionDenied, err)
	}

	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return "", fmt.Errorf("process did not die after SIGKILL: %w", err)
	}

	return TerminateSignalled, nil
}

func isProtectedPID(pid int) bool {
	return pid == 1 || pid == os.Getpid()
}

// WaitForExit waits for the process to exit, checking every interval.
// Returns ErrShutdownTimeout if the process is still running after timeout.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(interval)
	}

	if !IsProcessRunning(pid) {
		return nil
	}

	return ErrShutdownTimeout
}

// GetProcessInfo returns information about the process with the given PID.
func GetProcessInfo(pid int) *ProcessInfo {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}

	if info.Running {
		cmd, err := getProcessCommand(pid)
		if err != nil {
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}

	return info
}
