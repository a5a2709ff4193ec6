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

// Package notify delivers restart outcomes to humans.
//
// Every sink implements supervisor.Reporter. Sinks are combined with Multi so
// that a cycle reaches the log, a chat webhook and a desktop notifier at once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tombee/proxyvisor/internal/log"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

// Title returns a short heading for the outcome.
func Title(o supervisor.Outcome) string {
	if o.Phase == supervisor.PhaseExit && o.Kind != supervisor.KindFailed {
		return fmt.Sprintf("proxyvisor: %s exited", o.Target.DisplayName())
	}
	return fmt.Sprintf("proxyvisor: %s %s", o.Target.DisplayName(), o.Kind)
}

// Multi fans an outcome out to several reporters. Every reporter is called
// even when an earlier one fails.
type Multi []supervisor.Reporter

// Report implements supervisor.Reporter.
func (m Multi) Report(ctx context.Context, o supervisor.Outcome) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes outcomes to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: log.WithComponent(logger, "notify")}
}

// Report implements supervisor.Reporter.
func (l *Log) Report(ctx context.Context, o supervisor.Outcome) error {
	attrs := []slog.Attr{
		slog.String(log.TargetKey, o.Target.DisplayName()),
		slog.String(log.CycleIDKey, o.CycleID),
		slog.String(log.KindKey, string(o.Kind)),
		slog.String("phase", string(o.Phase)),
	}
	if o.PID > 0 {
		attrs = append(attrs, slog.Int(log.PIDKey, o.PID))
	}
	if o.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *o.ExitCode))
	}

	level := slog.LevelInfo
	if o.Kind == supervisor.KindFailed {
		level = slog.LevelError
		attrs = append(attrs, slog.String("reason", o.Reason()), log.Error(o.Err))
	}

	l.logger.LogAttrs(ctx, level, o.Summary(), attrs...)
	return nil
}
