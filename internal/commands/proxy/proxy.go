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

// Package proxy implements the commands that drive restart cycles:
// restart, run, stop and status.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/config"
	"github.com/tombee/proxyvisor/internal/log"
	"github.com/tombee/proxyvisor/internal/supervisor"
	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

// runtimeOptions is replaced in tests to isolate metric registration.
var runtimeOptions = func(cmd *cobra.Command) shared.RuntimeOptions {
	return shared.RuntimeOptions{LogOutput: cmd.ErrOrStderr()}
}

// resolveTargets resolves names against cfg, mapping unknown names to the
// not-found exit code.
func resolveTargets(cfg *config.Config, names []string) ([]supervisor.Target, error) {
	targets, err := cfg.ResolveTargets(names...)
	if err != nil {
		var nf *pverrors.NotFoundError
		if errors.As(err, &nf) {
			return nil, shared.NewNotFoundError("unknown target", err)
		}
		return nil, err
	}
	if len(targets) == 0 {
		return nil, shared.NewConfigError("no targets configured", nil)
	}
	return targets, nil
}

func closeRuntime(rt *shared.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		rt.Logger.Warn("shutdown incomplete", log.Error(err))
	}
}

// OutcomeView is the JSON form of an outcome.
type OutcomeView struct {
	supervisor.Outcome
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newOutcomeView(o supervisor.Outcome) OutcomeView {
	v := OutcomeView{Outcome: o, Reason: o.Reason()}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

// OutcomesResponse is the JSON output of restart and run.
type OutcomesResponse struct {
	shared.JSONResponse
	Outcomes []OutcomeView `json:"outcomes"`
}

// outcomeWriter prints outcomes as they are reported. In JSON mode it
// collects them for a single document instead, unless streaming.
type outcomeWriter struct {
	mu       sync.Mutex
	out      io.Writer
	printer  shared.Printer
	json     bool
	stream   bool
	outcomes []supervisor.Outcome
}

func newOutcomeWriter(out io.Writer) *outcomeWriter {
	return &outcomeWriter{
		out:     out,
		printer: shared.NewPrinter(out),
		json:    shared.GetJSON(),
	}
}

// Report implements supervisor.Reporter.
func (w *outcomeWriter) Report(_ context.Context, o supervisor.Outcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.json && w.stream {
		return json.NewEncoder(w.out).Encode(newOutcomeView(o))
	}
	w.outcomes = append(w.outcomes, o)
	if w.json || shared.GetQuiet() {
		return nil
	}
	_, err := fmt.Fprintln(w.out, w.printer.Outcome(o))
	return err
}

// flush emits the collected JSON document. It is a no-op in text mode.
func (w *outcomeWriter) flush(command string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.json || w.stream {
		return nil
	}
	resp := OutcomesResponse{
		JSONResponse: shared.JSONResponse{
			Version: "1.0",
			Command: command,
			Success: countFailed(w.outcomes) == 0,
		},
		Outcomes: make([]OutcomeView, len(w.outcomes)),
	}
	for i, o := range w.outcomes {
		resp.Outcomes[i] = newOutcomeView(o)
	}
	return shared.EmitJSON(w.out, resp)
}

func countFailed(outcomes []supervisor.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Kind == supervisor.KindFailed {
			n++
		}
	}
	return n
}

// cycleError summarizes failed launch outcomes, or returns nil.
func cycleError(outcomes []supervisor.Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Kind == supervisor.KindFailed {
			errs = append(errs, fmt.Errorf("%s: %w", o.Target.DisplayName(), o.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return shared.NewCycleError(fmt.Sprintf("%d of %d targets failed", len(errs), len(outcomes)), errors.Join(errs...))
}

// stopAll stops targets sequentially and returns the failures.
func stopAll(ctx context.Context, sup *supervisor.Supervisor, targets []supervisor.Target) []supervisor.StopResult {
	results := make([]supervisor.StopResult, len(targets))
	for i, t := range targets {
		results[i] = sup.Stop(ctx, t)
	}
	return results
}

// waitOrStop blocks until every launched proxy has exited. When ctx is
// cancelled first, targets are stopped and the wait is bounded by grace.
func waitOrStop(ctx context.Context, sup *supervisor.Supervisor, targets []supervisor.Target, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	stopAll(context.WithoutCancel(ctx), sup, targets)
	select {
	case <-done:
	case <-time.After(grace):
	}
}
