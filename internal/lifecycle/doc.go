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

/*
Package lifecycle implements the process-level mechanics of supervising a
reverse-proxy daemon: PID file handling, termination of a prior instance and
detached spawning with asynchronous exit observation.

# PID Files

A PID file is resolved into a PIDRecord. Missing, unreadable and corrupt files
all resolve to a record with Exists=false:

	rec, err := lifecycle.NewPIDFileManager("/run/proxy-a.pid").Resolve()
	if err != nil {
	    // the file was present but discarded
	}

# Termination

Terminate sends SIGTERM and optionally waits, escalating to SIGKILL. A PID
with no process behind it is not an error:

	result, err := lifecycle.Terminate(rec.PID, lifecycle.TerminateOptions{
	    Timeout: 10 * time.Second,
	    Force:   true,
	})

# Launching

Launch returns once the OS accepts the spawn; exit is reported later through
the OnExit callback:

	launcher := lifecycle.NewLauncher("haproxy", []string{"-f", "{config}", "-p", "{pidfile}", "-D"})
	handle, err := launcher.Launch(ctx, lifecycle.LaunchRequest{
	    ConfigPath: "/etc/proxy/a.cfg",
	    PIDFile:    "/run/proxy-a.pid",
	    OnExit:     func(s lifecycle.ExitStatus) { ... },
	})

# Lifecycle Logging

Lifecycle events can be appended to a JSON lines file for audit purposes:

	events := lifecycle.NewEventLog("/var/log/proxyvisor/lifecycle.log")
	events.LogSpawn("proxy-a", cycleID, cfg, pidFile, pid, nil)
*/
package lifecycle
