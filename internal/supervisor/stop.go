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
	"log/slog"

	"github.com/tombee/proxyvisor/internal/lifecycle"
	"github.com/tombee/proxyvisor/internal/log"
)

// StopResult describes a Stop call.
type StopResult struct {
	Target Target                    `json:"target"`
	PID    int                       `json:"pid,omitempty"`
	Result lifecycle.TerminateResult `json:"result,omitempty"`
	Err    error                     `json:"-"`
}

// Stop terminates the recorded instance of the target and removes its PID
// file without launching a replacement. It is serialized with Restart.
func (s *Supervisor) Stop(ctx context.Context, t Target) StopResult {
	unlock := s.locks.Lock(t.PIDFile)
	defer unlock()

	res := StopResult{Target: t}
	logger := log.WithTarget(s.logger, t.DisplayName(), t.PIDFile)

	pids := lifecycle.NewPIDFileManager(t.PIDFile)
	rec := s.resolve(pids, logger)
	if !rec.Exists {
		logger.DebugContext(ctx, "no recorded instance to stop")
		return res
	}
	res.PID = rec.PID

	s.expectExit(rec.PID)
	result, err := s.terminate(rec.PID, s.termOpts)
	if err != nil {
		s.unexpectExit(rec.PID)
		_ = s.events.LogTerminate(t.DisplayName(), "", rec.PID, err)
		logger.Error("failed to stop instance", slog.Int(log.PIDKey, rec.PID), log.Error(err))
		res.Err = err
		return res
	}
	res.Result = result
	if result == lifecycle.TerminateForeign {
		s.unexpectExit(rec.PID)
	}
	if result == lifecycle.TerminateSignalled {
		_ = s.events.LogTerminate(t.DisplayName(), "", rec.PID, nil)
	}

	if err := pids.Remove(); err != nil {
		logger.Warn("failed to remove PID file", log.Error(err))
	}
	logger.Info("stopped instance", slog.Int(log.PIDKey, rec.PID), slog.String("result", string(result)))
	return res
}

// Status is a point-in-time view of a target.
type Status struct {
	Target   Target `json:"target"`
	Recorded bool   `json:"recorded"`
	PID      int    `json:"pid,omitempty"`
	Running  bool   `json:"running"`
	Command  string `json:"command,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// Inspect reads the target's PID file and probes the recorded process.
func Inspect(t Target) Status {
	st := Status{Target: t}

	rec, err := lifecycle.NewPIDFileManager(t.PIDFile).Resolve()
	if err != nil {
		st.Problem = err.Error()
	}
	if !rec.Exists {
		return st
	}

	st.Recorded = true
	st.PID = rec.PID
	if info := lifecycle.GetProcessInfo(rec.PID); info != nil {
		st.Running = info.Running
		st.Command = info.Command
	}
	return st
}
