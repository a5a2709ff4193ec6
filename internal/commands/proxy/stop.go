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

package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/completion"
	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop [target...]",
		Short: "Terminate targets without relaunching",
		Long: `Stop the recorded proxy instance of each target and remove its PID file.

Sends SIGTERM and waits for the process to exit. If the timeout is exceeded
and force kill is enabled, sends SIGKILL.

The stop command is idempotent: a target without a live instance is only
cleaned of its stale PID file.`,
		Example: `  # Stop every target
  proxyvisor stop

  # Stop one target with a longer grace period
  proxyvisor stop edge --timeout 30s`,
		ValidArgsFunction: completion.CompleteTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args, stopOptions{
				timeout:    timeout,
				force:      force,
				forceIsSet: cmd.Flags().Changed("force"),
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Graceful shutdown timeout before SIGKILL (default: proxy.stop_timeout)")
	cmd.Flags().BoolVar(&force, "force", true, "Send SIGKILL when the timeout is exceeded")

	return cmd
}

type stopOptions struct {
	timeout    time.Duration
	force      bool
	forceIsSet bool
}

// StopView is the JSON form of a stop result.
type StopView struct {
	supervisor.StopResult
	Error string `json:"error,omitempty"`
}

// StopResponse is the JSON output of stop.
type StopResponse struct {
	shared.JSONResponse
	Results []StopView `json:"results"`
}

func runStop(cmd *cobra.Command, names []string, opts stopOptions) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		cfg.Proxy.StopTimeout = opts.timeout
	}
	if opts.forceIsSet {
		cfg.Proxy.ForceKill = &opts.force
	}

	targets, err := resolveTargets(cfg, names)
	if err != nil {
		return err
	}

	rt, err := shared.NewRuntime(cmd.Context(), cfg, runtimeOptions(cmd))
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	results := stopAll(cmd.Context(), rt.Supervisor, targets)

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Target.DisplayName(), res.Err))
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := StopResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "stop", Success: len(errs) == 0},
			Results:      make([]StopView, len(results)),
		}
		for i, res := range results {
			resp.Results[i] = StopView{StopResult: res}
			if res.Err != nil {
				resp.Results[i].Error = res.Err.Error()
			}
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		p := shared.NewPrinter(out)
		for _, res := range results {
			fmt.Fprintln(out, formatStop(p, res))
		}
	}

	if len(errs) > 0 {
		return shared.NewCycleError(fmt.Sprintf("%d of %d targets could not be stopped", len(errs), len(results)), errors.Join(errs...))
	}
	return nil
}

func formatStop(p shared.Printer, res supervisor.StopResult) string {
	name := res.Target.DisplayName()
	switch {
	case res.Err != nil:
		return p.Error(fmt.Sprintf("%s: stop failed: %v", name, res.Err))
	case res.PID == 0:
		return p.Label(fmt.Sprintf("%s: not running", name))
	default:
		return p.OK(fmt.Sprintf("%s: stopped (PID %d, %s)", name, res.PID, res.Result))
	}
}
