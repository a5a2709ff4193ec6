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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names written to the lifecycle log.
const (
	EventStalePID        = "stale_pid_detected"
	EventTerminate       = "terminate"
	EventTerminateFailed = "terminate_failed"
	EventSpawn           = "spawn"
	EventSpawnFailed     = "spawn_failed"
	EventExit            = "exit"
)

// LifecycleEvent is one line of the lifecycle log.
type LifecycleEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	Target     string    `json:"target,omitempty"`
	CycleID    string    `json:"cycle_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	ConfigFile string    `json:"config_file,omitempty"`
	PIDFile    string    `json:"pid_file,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventLog appends lifecycle events as JSON lines for audit purposes.
// A nil *EventLog discards every event.
type EventLog struct {
	mu      sync.Mutex
	logPath string
}

// NewEventLog creates an event log writing to logPath.
func NewEventLog(logPath string) *EventLog {
	return &EventLog{
		logPath: logPath,
	}
}

// LogStalePID logs detection of a PID file whose process is gone or foreign.
func (l *EventLog) LogStalePID(target, cycleID, pidFile string, pid int, reason string) error {
	return l.Write(LifecycleEvent{
		Event:   EventStalePID,
		Target:  target,
		CycleID: cycleID,
		PID:     pid,
		PIDFile: pidFile,
		Success: true,
		Message: fmt.Sprintf("stale PID file removed: %s", reason),
	})
}

// LogTerminate logs the outcome of stopping a prior instance.
func (l *EventLog) LogTerminate(target, cycleID string, pid int, err error) error {
	event := LifecycleEvent{
		Event:   EventTerminate,
		Target:  target,
		CycleID: cycleID,
		PID:     pid,
		Success: err == nil,
	}
	if err != nil {
		event.Event = EventTerminateFailed
		event.Error = err.Error()
	}
	return l.Write(event)
}

// LogSpawn logs a launch attempt.
func (l *EventLog) LogSpawn(target, cycleID, configFile, pidFile string, pid int, err error) error {
	event := LifecycleEvent{
		Event:      EventSpawn,
		Target:     target,
		CycleID:    cycleID,
		PID:        pid,
		ConfigFile: configFile,
		PIDFile:    pidFile,
		Success:    err == nil,
	}
	if err != nil {
		event.Event = EventSpawnFailed
		event.Error = err.Error()
	}
	return l.Write(event)
}

// LogExit logs the termination of a launched process.
func (l *EventLog) LogExit(target, cycleID string, status ExitStatus) error {
	code := status.ExitCode
	event := LifecycleEvent{
		Event:    EventExit,
		Target:   target,
		CycleID:  cycleID,
		PID:      status.PID,
		ExitCode: &code,
		Success:  code == 0,
	}
	if status.Err != nil {
		event.Error = status.Err.Error()
	}
	return l.Write(event)
}

// Write appends a lifecycle event to the log file.
func (l *EventLog) Write(event LifecycleEvent) error {
	if l == nil || l.logPath == "" {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.logPath), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}
