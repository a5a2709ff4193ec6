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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/completion"
	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/lifecycle"
	"github.com/tombee/proxyvisor/internal/log"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var (
		metricsListen string
		leaveRunning  bool
	)

	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Supervise targets until interrupted",
		Long: `Run a restart cycle for every target, then stay in the foreground.

SIGHUP reloads the target list from the configuration file and runs a new
cycle for every target. Targets removed from the configuration are stopped.
SIGINT or SIGTERM stops the launched proxies and exits; with --leave-running
the proxies are left in place.

When a metrics address is configured, /metrics serves Prometheus metrics and
/status serves the PID record and liveness of each target.`,
		Example: `  # Supervise all targets
  proxyvisor run

  # Expose metrics on localhost:9310
  proxyvisor run --metrics-listen 127.0.0.1:9310

  # Trigger a new cycle
  kill -HUP $(pgrep -f 'proxyvisor run')`,
		ValidArgsFunction: completion.CompleteTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise(cmd, args, metricsListen, leaveRunning)
		},
	}

	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve /metrics and /status on host:port (overrides metrics.listen)")
	cmd.Flags().BoolVar(&leaveRunning, "leave-running", false, "Do not stop proxies on exit")

	return cmd
}

func runSupervise(cmd *cobra.Command, names []string, metricsListen string, leaveRunning bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(cfg, names)
	if err != nil {
		return err
	}

	out := newOutcomeWriter(cmd.OutOrStdout())
	out.stream = true
	opts := runtimeOptions(cmd)
	opts.Reporters = append(opts.Reporters, out)

	rt, err := shared.NewRuntime(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	d := newDaemon(rt.Supervisor, rt.Logger, targets)
	d.grace = cfg.Proxy.StopTimeout + lifecycle.DefaultWaitDelay
	d.leaveRunning = leaveRunning
	d.reload = func() ([]supervisor.Target, error) {
		cfg, err := shared.LoadConfig()
		if err != nil {
			return nil, err
		}
		return resolveTargets(cfg, names)
	}

	if metricsListen == "" {
		metricsListen = cfg.Metrics.Listen
	}
	if metricsListen != "" {
		srv, err := d.serve(metricsListen)
		if err != nil {
			return shared.NewConfigError("failed to start metrics endpoint", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return d.loop(ctx, hup)
}

// daemon drives repeated cycles for a changing set of targets.
type daemon struct {
	sup          *supervisor.Supervisor
	logger       *slog.Logger
	reload       func() ([]supervisor.Target, error)
	grace        time.Duration
	leaveRunning bool

	mu      sync.Mutex
	targets []supervisor.Target
}

func newDaemon(sup *supervisor.Supervisor, logger *slog.Logger, targets []supervisor.Target) *daemon {
	return &daemon{
		sup:     sup,
		logger:  log.WithComponent(logger, "daemon"),
		targets: targets,
		grace:   lifecycle.DefaultWaitDelay,
	}
}

func (d *daemon) current() []supervisor.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]supervisor.Target(nil), d.targets...)
}

// loop runs the initial cycle, then one cycle per signal on hup until ctx
// is cancelled.
func (d *daemon) loop(ctx context.Context, hup <-chan os.Signal) error {
	d.logger.Info("supervising targets", slog.Int("targets", len(d.current())))
	d.sup.RestartAll(ctx, d.current())

	for {
		select {
		case <-hup:
			d.refresh(ctx)
			d.sup.RestartAll(ctx, d.current())
		case <-ctx.Done():
			d.shutdown()
			return nil
		}
	}
}

// refresh reloads the target list and stops targets that were removed.
// On error the previous list is kept.
func (d *daemon) refresh(ctx context.Context) {
	if d.reload == nil {
		return
	}
	next, err := d.reload()
	if err != nil {
		d.logger.Error("reload failed, keeping previous targets", log.Error(err))
		return
	}

	keep := make(map[string]bool, len(next))
	for _, t := range next {
		keep[t.PIDFile] = true
	}

	d.mu.Lock()
	var removed []supervisor.Target
	for _, t := range d.targets {
		if !keep[t.PIDFile] {
			removed = append(removed, t)
		}
	}
	d.targets = next
	d.mu.Unlock()

	for _, res := range stopAll(ctx, d.sup, removed) {
		d.logger.Info("stopped removed target",
			slog.String(log.TargetKey, res.Target.DisplayName()),
			slog.Int(log.PIDKey, res.PID))
	}
	d.logger.Info("reloaded targets", slog.Int("targets", len(next)), slog.Int("removed", len(removed)))
}

func (d *daemon) shutdown() {
	if d.leaveRunning {
		d.logger.Info("exiting, proxies left running", slog.Int("watching", d.sup.Watching()))
		return
	}

	d.logger.Info("stopping proxies")
	for _, res := range stopAll(context.Background(), d.sup, d.current()) {
		if res.Err != nil {
			d.logger.Error("failed to stop proxy",
				slog.String(log.TargetKey, res.Target.DisplayName()),
				log.Error(res.Err))
		}
	}

	done := make(chan struct{})
	go func() {
		d.sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.grace):
		d.logger.Warn("proxies still running after shutdown grace period", slog.Int("watching", d.sup.Watching()))
	}
}

// StatusResponse is the JSON body of /status and "proxyvisor status --json".
type StatusResponse struct {
	shared.JSONResponse
	Targets []supervisor.Status `json:"targets"`
}

func statusResponse(targets []supervisor.Target) StatusResponse {
	resp := StatusResponse{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "status", Success: true},
		Targets:      make([]supervisor.Status, len(targets)),
	}
	for i, t := range targets {
		resp.Targets[i] = supervisor.Inspect(t)
	}
	return resp
}

// handler serves /metrics and /status.
func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := shared.EmitJSON(w, statusResponse(d.current())); err != nil {
			d.logger.Warn("failed to write status", log.Error(err))
		}
	})
	return log.NewHTTPMiddleware(d.logger).Wrap(mux)
}

func (d *daemon) serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics endpoint failed", log.Error(err))
		}
	}()
	d.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}
