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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/completion"
	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status [target...]",
		Short: "Show PID records and liveness",
		Long: `Show the recorded PID of each target and whether that process is alive.

Status only reads PID files and probes processes; it never signals or
launches anything. With --check the command exits non-zero when any target
has no live instance.`,
		Example: `  # Show all targets
  proxyvisor status

  # Use in a health check
  proxyvisor status --check --quiet`,
		ValidArgsFunction: completion.CompleteTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args, check)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero unless every target is running")

	return cmd
}

func runStatus(cmd *cobra.Command, names []string, check bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(cfg, names)
	if err != nil {
		return err
	}

	resp := statusResponse(targets)
	down := 0
	for _, st := range resp.Targets {
		if !st.Running {
			down++
		}
	}
	resp.Success = !check || down == 0

	out := cmd.OutOrStdout()
	switch {
	case shared.GetJSON():
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	case !shared.GetQuiet():
		printStatus(out, resp.Targets)
	}

	if check && down > 0 {
		return shared.NewCycleError(fmt.Sprintf("%d of %d targets not running", down, len(targets)), nil)
	}
	return nil
}

func printStatus(out io.Writer, statuses []supervisor.Status) {
	p := shared.NewPrinter(out)
	fmt.Fprintln(out, p.Header("Targets"))
	for _, st := range statuses {
		name := st.Target.DisplayName()
		switch {
		case st.Running:
			fmt.Fprintln(out, p.OK(fmt.Sprintf("%s running (PID %d)", name, st.PID)))
		case st.Recorded:
			fmt.Fprintln(out, p.Warn(fmt.Sprintf("%s stale PID file (PID %d not running)", name, st.PID)))
		default:
			fmt.Fprintln(out, p.Error(name+" not running"))
		}

		fmt.Fprintf(out, "    %s %s\n", p.Label("config:  "), st.Target.ConfigPath)
		fmt.Fprintf(out, "    %s %s\n", p.Label("pid file:"), st.Target.PIDFile)
		if st.Command != "" {
			fmt.Fprintf(out, "    %s %s\n", p.Label("command: "), st.Command)
		}
		if st.Problem != "" {
			fmt.Fprintf(out, "    %s %s\n", p.Label("problem: "), st.Problem)
		}
	}
}
