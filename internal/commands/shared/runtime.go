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

package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/proxyvisor/internal/config"
	"github.com/tombee/proxyvisor/internal/history"
	"github.com/tombee/proxyvisor/internal/lifecycle"
	"github.com/tombee/proxyvisor/internal/log"
	"github.com/tombee/proxyvisor/internal/notify"
	"github.com/tombee/proxyvisor/internal/supervisor"
	"github.com/tombee/proxyvisor/internal/tracing"
)

const instrumentationName = "github.com/tombee/proxyvisor"

// LoadConfig loads the configuration named by --config, falling back to
// the XDG config file when it exists.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		if def, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg and the global flags.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logCfg := log.FromEnv()
	logCfg.Output = w
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = log.Format(cfg.Log.Format)
		logCfg.AddSource = cfg.Log.AddSource
	}
	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "error"
	}
	return log.New(logCfg)
}

// RuntimeOptions adjusts how a Runtime is assembled.
type RuntimeOptions struct {
	// LogOutput receives log records. Defaults to os.Stderr.
	LogOutput io.Writer

	// Registerer receives the OpenTelemetry metric bridge. Defaults to the
	// global Prometheus registry.
	Registerer prometheus.Registerer

	// Reporters are added to the configured notification sinks.
	Reporters []supervisor.Reporter

	// DetachOutput writes proxy output to files under proxy.output_dir. Set
	// it when the command exits before the proxies it launches.
	DetachOutput bool
}

// Runtime holds the components a command needs to run restart cycles.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Supervisor *supervisor.Supervisor

	// History is nil when recording is disabled.
	History *history.Store

	tracing *tracing.Provider
}

// NewRuntime wires the supervisor, its reporters and telemetry from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(cfg, out)

	v, _, _ := GetVersion()
	provider, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "proxyvisor",
		ServiceVersion: v,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Writer:         out,
		Registerer:     opts.Registerer,
	})
	if err != nil {
		return nil, NewConfigError("failed to set up tracing", err)
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		tracing: provider,
	}

	reporters, err := rt.reporters(cfg, logger, opts.Reporters)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	launcher := lifecycle.NewLauncher(cfg.Proxy.Binary, cfg.Proxy.Args).WithEnv(cfg.Proxy.EnvList())

	var events *lifecycle.EventLog
	if cfg.AuditLog != "" {
		events = lifecycle.NewEventLog(cfg.AuditLog)
	}

	var outputDir string
	if opts.DetachOutput {
		outputDir = cfg.Proxy.OutputDir
	}

	rt.Supervisor = supervisor.New(launcher, reporters,
		supervisor.WithLogger(logger),
		supervisor.WithEventLog(events),
		supervisor.WithTracer(provider.Tracer(instrumentationName)),
		supervisor.WithTerminateOptions(lifecycle.TerminateOptions{
			Timeout: cfg.Proxy.StopTimeout,
			Force:   cfg.Proxy.ForceKillEnabled(),
			Match:   cfg.Proxy.ProcessMatch,
		}),
		supervisor.WithLauncherWritesPIDFile(!cfg.Proxy.ProxyWritesPIDFile()),
		supervisor.WithOutputDir(outputDir),
		supervisor.WithMaxParallel(cfg.MaxParallel),
	)
	return rt, nil
}

// reporters builds the notification fan-out. Every sink is instrumented.
func (r *Runtime) reporters(cfg *config.Config, logger *slog.Logger, extra []supervisor.Reporter) (notify.Multi, error) {
	meter := r.tracing.Meter(instrumentationName)

	type sink struct {
		name     string
		reporter supervisor.Reporter
	}
	sinks := []sink{{"log", notify.NewLog(logger)}}

	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhook(notify.WebhookConfig{
			URL:           cfg.Notify.Webhook.URL,
			RatePerMinute: cfg.Notify.Webhook.RatePerMinute,
			Timeout:       cfg.Notify.Webhook.Timeout,
		})
		if err != nil {
			return nil, NewConfigError("invalid webhook", err)
		}
		sinks = append(sinks, sink{"webhook", webhook})
	}

	if cfg.Notify.Command.Program != "" {
		sinks = append(sinks, sink{"command", notify.NewCommand(cfg.Notify.Command.Program, cfg.Notify.Command.Args)})
	}

	if cfg.History.IsEnabled() {
		store, err := history.Open(history.Config{Path: cfg.History.Path})
		if err != nil {
			// History is best effort; restarts must not depend on it.
			logger.Warn("history disabled", log.Error(err))
		} else {
			r.History = store
			sinks = append(sinks, sink{"history", store})
		}
	}

	multi := make(notify.Multi, 0, len(sinks)+len(extra))
	for _, s := range sinks {
		instrumented, err := notify.Instrument(s.name, s.reporter, meter)
		if err != nil {
			return nil, fmt.Errorf("instrument %s sink: %w", s.name, err)
		}
		multi = append(multi, instrumented)
	}
	return append(multi, extra...), nil
}

// Close flushes telemetry and closes the history store.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.tracing != nil {
		if err := r.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if r.History != nil {
		if err := r.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenHistory opens the configured history store for reading.
func OpenHistory(cfg *config.Config) (*history.Store, error) {
	store, err := history.Open(history.Config{Path: cfg.History.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}
