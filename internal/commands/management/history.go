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

// Package management implements commands that inspect recorded state.
package management

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/completion"
	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/history"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var (
		limit       int
		target      string
		pruneBefore time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded restart outcomes",
		Long: `List the most recent outcomes recorded by restart cycles, newest first.

Every launch report and every proxy exit is recorded while history is
enabled. Use --prune to delete records older than the given age.`,
		Example: `  # Show the last 20 outcomes
  proxyvisor history

  # Show outcomes of one target
  proxyvisor history --target edge --limit 5

  # Find recent failures
  proxyvisor history --json | jq '.records[] | select(.kind=="failed")'

  # Delete records older than 30 days
  proxyvisor history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, historyOptions{limit: limit, target: target, pruneBefore: pruneBefore})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records to show")
	cmd.Flags().StringVar(&target, "target", "", "Only show outcomes of this target")
	cmd.Flags().DurationVar(&pruneBefore, "prune", 0, "Delete records older than this age instead of listing")
	_ = cmd.RegisterFlagCompletionFunc("target", completion.CompleteTargetFlag)

	return cmd
}

type historyOptions struct {
	limit       int
	target      string
	pruneBefore time.Duration
}

// HistoryResponse is the JSON output of history.
type HistoryResponse struct {
	shared.JSONResponse
	Records []history.Record `json:"records"`
	Pruned  *int64           `json:"pruned,omitempty"`
}

func runHistory(cmd *cobra.Command, opts historyOptions) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.IsEnabled() {
		return shared.NewConfigError("history is disabled", nil)
	}

	store, err := shared.OpenHistory(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	resp := HistoryResponse{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "history", Success: true},
		Records:      []history.Record{},
	}

	if opts.pruneBefore > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-opts.pruneBefore))
		if err != nil {
			return err
		}
		resp.Pruned = &n
		if shared.GetJSON() {
			return shared.EmitJSON(out, resp)
		}
		fmt.Fprintf(out, "pruned %d records\n", n)
		return nil
	}

	records, err := queryHistory(ctx, store, opts)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		resp.Records = append(resp.Records, records...)
		return shared.EmitJSON(out, resp)
	}

	printHistory(out, records)
	return nil
}

func queryHistory(ctx context.Context, store *history.Store, opts historyOptions) ([]history.Record, error) {
	if opts.target != "" {
		return store.ForTarget(ctx, opts.target, opts.limit)
	}
	return store.Recent(ctx, opts.limit)
}

func printHistory(out io.Writer, records []history.Record) {
	p := shared.NewPrinter(out)
	if len(records) == 0 {
		fmt.Fprintln(out, p.Label("no recorded outcomes"))
		return
	}

	for _, r := range records {
		line := fmt.Sprintf("%s  %-10s %-8s %-6s pid=%s",
			r.Time.Local().Format(time.DateTime), r.Target, r.Kind, r.Phase, pidString(r.PID))
		if r.PriorPID > 0 {
			line += fmt.Sprintf(" prior=%d", r.PriorPID)
		}
		if r.ExitCode != nil {
			line += fmt.Sprintf(" exit=%d", *r.ExitCode)
		}

		switch {
		case r.Kind == string(supervisor.KindFailed):
			line += " " + r.Reason
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Fprintln(out, p.Error(line))
		default:
			fmt.Fprintln(out, p.OK(line))
		}
	}
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}
