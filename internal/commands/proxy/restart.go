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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/completion"
	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/lifecycle"
)

// NewRestartCommand creates the restart command.
func NewRestartCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "restart [target...]",
		Short: "Run one restart cycle per target",
		Long: `Run one restart cycle for each target, or for the named targets.

A cycle reads the target's PID file, terminates the recorded instance if it
is still alive, removes the PID file, and launches a new proxy from the first
resolvable configuration source. Targets are cycled concurrently; cycles for
the same PID file never overlap.

A target is named by its PID file path or its base name without extension.

The output of launched proxies is appended to <proxy.output_dir>/<target>.log,
since this command exits before they do.

With --wait the command stays in the foreground and reports each proxy's
exit. Interrupting it stops the launched proxies.`,
		Example: `  # Restart every configured target
  proxyvisor restart

  # Restart one target by name
  proxyvisor restart edge

  # Restart and report outcomes as JSON
  proxyvisor restart --json

  # Stay attached until the proxies exit
  proxyvisor restart --wait`,
		ValidArgsFunction: completion.CompleteTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, args, wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Stay in the foreground until every launched proxy exits")

	return cmd
}

func runRestart(cmd *cobra.Command, names []string, wait bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(cfg, names)
	if err != nil {
		return err
	}

	out := newOutcomeWriter(cmd.OutOrStdout())
	opts := runtimeOptions(cmd)
	opts.Reporters = append(opts.Reporters, out)
	// Without --wait nothing reads the proxy's output once this command exits.
	opts.DetachOutput = !wait

	rt, err := shared.NewRuntime(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	outcomes := rt.Supervisor.RestartAll(ctx, targets)

	if wait {
		waitOrStop(ctx, rt.Supervisor, targets, cfg.Proxy.StopTimeout+lifecycle.DefaultWaitDelay)
	}

	if err := out.flush("restart"); err != nil {
		return err
	}
	return cycleError(outcomes)
}
