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
	"errors"

	"github.com/tombee/proxyvisor/internal/lifecycle"
)

// Failure classes delivered through the Reporting step.
var (
	// ErrConfigNotFound means the target's configuration file was unreadable at launch time.
	ErrConfigNotFound = lifecycle.ErrConfigNotFound

	// ErrTerminationPermissionDenied means a live prior instance could not be signalled.
	// The PID file is left in place for inspection.
	ErrTerminationPermissionDenied = lifecycle.ErrTerminationPermissionDenied

	// ErrTerminationTimeout means the prior instance survived SIGTERM and force
	// killing was disabled.
	ErrTerminationTimeout = lifecycle.ErrShutdownTimeout

	// ErrSpawnRejected means the OS declined to create the new process.
	ErrSpawnRejected = lifecycle.ErrSpawnRejected

	// ErrProcessCrashed means a launched process exited nonzero after a successful launch.
	ErrProcessCrashed = errors.New("proxy process exited with nonzero status")
)

// Reason returns a stable label for err, suitable for metrics and notifications.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigNotFound):
		return "config_not_found"
	case errors.Is(err, ErrTerminationPermissionDenied):
		return "termination_permission_denied"
	case errors.Is(err, ErrTerminationTimeout):
		return "termination_timeout"
	case errors.Is(err, ErrSpawnRejected):
		return "spawn_rejected"
	case errors.Is(err, ErrProcessCrashed):
		return "process_crashed"
	default:
		return "unknown"
	}
}
