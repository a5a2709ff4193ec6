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

package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// Kind classifies the outcome of a restart cycle.
type Kind string

const (
	// KindStarted means no prior instance was recorded and the new process was spawned.
	KindStarted Kind = "started"
	// KindReloaded means a prior instance was recorded and terminated before the spawn.
	KindReloaded Kind = "reloaded"
	// KindFailed means the cycle did not reach a running process, or the process crashed.
	KindFailed Kind = "failed"
)

// Phase tells which of the two reporting points produced an Outcome.
type Phase string

const (
	// PhaseLaunch is the synchronous report at the end of a cycle.
	PhaseLaunch Phase = "launch"
	// PhaseExit is the asynchronous report when the launched process terminates.
	PhaseExit Phase = "exit"
)

// Target binds one proxy configuration file to one PID file.
type Target struct {
	// Name identifies the target in logs and notifications.
	// Defaults to the PID file base name.
	Name string `json:"name"`

	// ConfigPath is the proxy configuration passed to the launched process.
	ConfigPath string `json:"config_path"`

	// PIDFile is where the running instance records its PID.
	PIDFile string `json:"pid_file"`
}

// DisplayName returns Name, or a name derived from the PID file.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	base := filepath.Base(t.PIDFile)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Outcome is the result of a restart cycle, or of the later exit of the
// process it launched.
type Outcome struct {
	CycleID string `json:"cycle_id"`
	Target  Target `json:"target"`
	Kind    Kind   `json:"kind"`
	Phase   Phase  `json:"phase"`

	// PID is the launched process. Zero when the launch failed.
	PID int `json:"pid,omitempty"`

	// PriorPID is the PID recorded before the cycle, if any.
	PriorPID int `json:"prior_pid,omitempty"`

	// ExitCode is set on PhaseExit outcomes. -1 means killed by a signal.
	ExitCode *int `json:"exit_code,omitempty"`

	Err  error     `json:"-"`
	Time time.Time `json:"time"`
}

// Reason returns the failure label of the outcome, or "" on success.
func (o Outcome) Reason() string {
	return Reason(o.Err)
}

// Summary renders a one-line human readable description.
func (o Outcome) Summary() string {
	name := o.Target.DisplayName()
	switch {
	case o.Phase == PhaseExit && o.Kind == KindFailed:
		return fmt.Sprintf("%s: proxy (PID %d) exited with code %d", name, o.PID, derefCode(o.ExitCode))
	case o.Phase == PhaseExit:
		return fmt.Sprintf("%s: proxy launcher (PID %d) exited cleanly", name, o.PID)
	case o.Kind == KindFailed:
		return fmt.Sprintf("%s: restart failed: %v", name, o.Err)
	case o.Kind == KindReloaded:
		return fmt.Sprintf("%s: proxy reloaded (PID %d replaced by %d)", name, o.PriorPID, o.PID)
	default:
		return fmt.Sprintf("%s: proxy started (PID %d)", name, o.PID)
	}
}

func derefCode(code *int) int {
	if code == nil {
		return 0
	}
	return *code
}

// Reporter receives every outcome. Implementations must be safe for concurrent use;
// exit outcomes arrive from background goroutines.
type Reporter interface {
	Report(ctx context.Context, o Outcome) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, o Outcome) error

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}
