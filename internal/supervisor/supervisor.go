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

// Package supervisor runs restart cycles for proxy targets.
//
// A cycle moves through Checking (read the PID file), Terminating (stop the
// recorded instance, if any), Launching (spawn the new instance) and
// Reporting (deliver the outcome). Cycles for the same PID file are
// serialized; cycles for different targets run independently. The exit of
// each launched process is observed in the background and reported as a
// second outcome.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/proxyvisor/internal/lifecycle"
	"github.com/tombee/proxyvisor/internal/log"
)

const tracerName = "github.com/tombee/proxyvisor/internal/supervisor"

// watch is a launched process whose exit has not been observed yet.
type watch struct {
	key string

	// terminating is set when a later cycle or Stop asked the process to exit.
	terminating bool
}

// Launcher starts a proxy instance. *lifecycle.Launcher is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, req lifecycle.LaunchRequest) (*lifecycle.Handle, error)
}

// TerminateFunc stops a prior instance. lifecycle.Terminate is the default.
type TerminateFunc func(pid int, opts lifecycle.TerminateOptions) (lifecycle.TerminateResult, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithEventLog sets the lifecycle audit log.
func WithEventLog(events *lifecycle.EventLog) Option {
	return func(s *Supervisor) {
		s.events = events
	}
}

// WithTracer sets the tracer used for cycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = tracer
	}
}

// WithTerminateOptions controls how prior instances are stopped.
func WithTerminateOptions(opts lifecycle.TerminateOptions) Option {
	return func(s *Supervisor) {
		s.termOpts = opts
	}
}

// WithLauncherWritesPIDFile makes the launcher record the PID of each spawned
// process, for proxies that do not write their own PID file.
func WithLauncherWritesPIDFile(enabled bool) Option {
	return func(s *Supervisor) {
		s.writePIDFile = enabled
	}
}

// WithOutputDir sends the output of launched processes to <dir>/<target>.log
// instead of the logger. Use it when the supervisor exits before the processes
// it launches.
func WithOutputDir(dir string) Option {
	return func(s *Supervisor) {
		s.outputDir = dir
	}
}

// WithMaxParallel bounds the number of concurrent cycles in RestartAll.
// Zero means unbounded.
func WithMaxParallel(n int) Option {
	return func(s *Supervisor) {
		s.maxParallel = n
	}
}

// WithTerminateFunc replaces the function used to stop prior instances.
func WithTerminateFunc(fn TerminateFunc) Option {
	return func(s *Supervisor) {
		s.terminate = fn
	}
}

// Supervisor owns the restart cycles of a set of targets.
type Supervisor struct {
	launcher     Launcher
	reporter     Reporter
	logger       *slog.Logger
	events       *lifecycle.EventLog
	tracer       trace.Tracer
	terminate    TerminateFunc
	termOpts     lifecycle.TerminateOptions
	writePIDFile bool
	outputDir    string
	maxParallel  int

	locks *keyedMutex

	mu      sync.Mutex
	watched map[int]*watch
	latest  map[string]int

	wg sync.WaitGroup
}

// New creates a supervisor. reporter may be nil, in which case outcomes are only logged.
func New(launcher Launcher, reporter Reporter, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:  launcher,
		reporter:  reporter,
		logger:    log.Discard(),
		tracer:    otel.Tracer(tracerName),
		terminate: lifecycle.Terminate,
		locks:     newKeyedMutex(),
		watched:   make(map[int]*watch),
		latest:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "supervisor")
	return s
}

// Restart runs one cycle for the target and returns the synchronous outcome.
// It returns once the new process has been spawned; it never waits for the
// process to exit. The outcome has already been delivered to the reporter
// when Restart returns.
func (s *Supervisor) Restart(ctx context.Context, t Target) Outcome {
	unlock := s.locks.Lock(t.PIDFile)
	defer unlock()

	cycleID := uuid.NewString()
	name := t.DisplayName()
	logger := log.WithCycle(s.logger, name, cycleID).With(slog.String(log.PIDFileKey, t.PIDFile))

	ctx, span := s.tracer.Start(ctx, "proxyvisor.restart", trace.WithAttributes(
		attribute.String("proxyvisor.target", name),
		attribute.String("proxyvisor.cycle_id", cycleID),
		attribute.String("proxyvisor.pid_file", t.PIDFile),
		attribute.String("proxyvisor.config", t.ConfigPath),
	))
	defer span.End()

	// Exit reports of the process launched here wait for the launch report.
	reported := make(chan struct{})
	defer close(reported)

	start := time.Now()
	out := s.cycle(ctx, t, cycleID, logger, reported)
	out.Time = time.Now()
	elapsed := time.Since(start)
	recordCycle(name, out, elapsed)

	span.SetAttributes(
		attribute.String("proxyvisor.kind", string(out.Kind)),
		attribute.Int("proxyvisor.pid", out.PID),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Reason())
		logger.Error("restart cycle failed",
			slog.String(log.KindKey, string(out.Kind)),
			slog.String("reason", out.Reason()),
			log.Error(out.Err),
			log.Duration("duration", elapsed.Milliseconds()))
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("restart cycle completed",
			slog.String(log.KindKey, string(out.Kind)),
			slog.Int(log.PIDKey, out.PID),
			slog.Int("prior_pid", out.PriorPID),
			log.Duration("duration", elapsed.Milliseconds()))
	}

	s.report(ctx, out, logger)
	return out
}

// RestartAll runs one cycle per target concurrently and returns the outcomes
// in target order.
func (s *Supervisor) RestartAll(ctx context.Context, targets []Target) []Outcome {
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = s.Restart(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Wait blocks until every launched process has exited and its exit has been reported.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Watching returns the number of launched processes that have not exited yet.
func (s *Supervisor) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}

func (s *Supervisor) cycle(ctx context.Context, t Target, cycleID string, logger *slog.Logger, reported <-chan struct{}) Outcome {
	out := Outcome{
		CycleID: cycleID,
		Target:  t,
		Kind:    KindStarted,
		Phase:   PhaseLaunch,
	}

	// A missing config must not cost the running instance.
	if err := lifecycle.CheckConfig(t.ConfigPath); err != nil {
		out.Kind = KindFailed
		out.Err = err
		_ = s.events.LogSpawn(t.DisplayName(), cycleID, t.ConfigPath, t.PIDFile, 0, err)
		return out
	}

	pids := lifecycle.NewPIDFileManager(t.PIDFile)
	rec := s.resolve(pids, logger)

	if rec.Exists {
		out.Kind = KindReloaded
		out.PriorPID = rec.PID
		trace.SpanFromContext(ctx).AddEvent("terminate", trace.WithAttributes(attribute.Int("proxyvisor.prior_pid", rec.PID)))

		if err := s.stopPrior(t, cycleID, pids, rec.PID, logger); err != nil {
			out.Kind = KindFailed
			out.Err = err
			return out
		}
	}

	trace.SpanFromContext(ctx).AddEvent("launch")
	pid, err := s.launch(ctx, t, cycleID, out.Kind, logger, reported)
	if err != nil {
		out.Kind = KindFailed
		out.Err = err
		return out
	}
	out.PID = pid

	return out
}

// stopPrior terminates the recorded instance and removes its PID file.
// On failure the PID file is left untouched.
func (s *Supervisor) stopPrior(t Target, cycleID string, pids *lifecycle.PIDFileManager, pid int, logger *slog.Logger) error {
	name := t.DisplayName()
	logger = logger.With(slog.Int("prior_pid", pid))

	s.expectExit(pid)
	result, err := s.terminate(pid, s.termOpts)
	if err != nil {
		s.unexpectExit(pid)
		_ = s.events.LogTerminate(name, cycleID, pid, err)
		return err
	}

	switch result {
	case lifecycle.TerminateAlreadyExited:
		logger.Info("recorded instance is no longer running")
		_ = s.events.LogStalePID(name, cycleID, t.PIDFile, pid, "process not running")
	case lifecycle.TerminateForeign:
		s.unexpectExit(pid)
		logger.Warn("recorded PID belongs to an unrelated process, leaving it alone")
		_ = s.events.LogStalePID(name, cycleID, t.PIDFile, pid, "process does not match")
	default:
		logger.Info("terminated prior instance")
		_ = s.events.LogTerminate(name, cycleID, pid, nil)
	}

	if err := pids.Remove(); err != nil {
		logger.Warn("failed to remove PID file", log.Error(err))
	}
	return nil
}

func (s *Supervisor) outputFile(t Target) string {
	if s.outputDir == "" {
		return ""
	}
	return filepath.Join(s.outputDir, t.DisplayName()+".log")
}

func (s *Supervisor) launch(ctx context.Context, t Target, cycleID string, kind Kind, logger *slog.Logger, reported <-chan struct{}) (int, error) {
	exitCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	h, err := s.launcher.Launch(ctx, lifecycle.LaunchRequest{
		ConfigPath:   t.ConfigPath,
		PIDFile:      t.PIDFile,
		WritePIDFile: s.writePIDFile,
		Logger:       logger.With(slog.String("source", "proxy")),
		OutputFile:   s.outputFile(t),
		OnExit: func(status lifecycle.ExitStatus) {
			defer s.wg.Done()
			<-reported
			s.handleExit(exitCtx, t, cycleID, kind, status, logger)
		},
	})
	if err != nil {
		s.wg.Done()
		_ = s.events.LogSpawn(t.DisplayName(), cycleID, t.ConfigPath, t.PIDFile, 0, err)
		return 0, err
	}

	_ = s.events.LogSpawn(t.DisplayName(), cycleID, t.ConfigPath, t.PIDFile, h.PID, nil)
	s.track(t.PIDFile, h.PID)
	return h.PID, nil
}

func (s *Supervisor) handleExit(ctx context.Context, t Target, cycleID string, kind Kind, status lifecycle.ExitStatus, logger *slog.Logger) {
	name := t.DisplayName()
	terminated := s.untrack(status.PID)
	_ = s.events.LogExit(name, cycleID, status)

	logger = logger.With(slog.Int(log.PIDKey, status.PID), slog.Int("exit_code", status.ExitCode))

	// A process stopped by a later cycle was already accounted for by that cycle.
	if terminated {
		recordExit(name, exitTerminated)
		logger.Info("terminated instance exited")
		return
	}

	code := status.ExitCode
	out := Outcome{
		CycleID:  cycleID,
		Target:   t,
		Kind:     kind,
		Phase:    PhaseExit,
		PID:      status.PID,
		ExitCode: &code,
		Time:     time.Now(),
	}

	if code != 0 || status.Err != nil {
		recordExit(name, exitCrashed)
		out.Kind = KindFailed
		if status.Err != nil {
			out.Err = fmt.Errorf("%w: %w", ErrProcessCrashed, status.Err)
		} else {
			out.Err = fmt.Errorf("%w: exit code %d", ErrProcessCrashed, code)
		}
		logger.Error("proxy process crashed", log.Error(out.Err))
	} else {
		recordExit(name, exitClean)
		logger.Info("proxy process exited")
	}

	s.report(ctx, out, logger)
}

func (s *Supervisor) report(ctx context.Context, out Outcome, logger *slog.Logger) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(ctx, out); err != nil {
		logger.Warn("failed to deliver outcome",
			slog.String(log.KindKey, string(out.Kind)),
			slog.String("phase", string(out.Phase)),
			log.Error(err))
	}
}

// resolve reads the PID file. A process launched by this supervisor for the
// same PID file counts as recorded even before it has written the file.
func (s *Supervisor) resolve(pids *lifecycle.PIDFileManager, logger *slog.Logger) lifecycle.PIDRecord {
	rec, err := pids.Resolve()
	if err != nil {
		logger.Warn("ignoring unusable PID file", log.Error(err))
	}
	if rec.Exists {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.latest[pidKey(pids.Path())]
	if w := s.watched[pid]; ok && w != nil && !w.terminating {
		logger.Debug("PID file not written yet, using launched process", slog.Int(log.PIDKey, pid))
		return lifecycle.PIDRecord{Path: pids.Path(), Exists: true, PID: pid}
	}
	return rec
}

func (s *Supervisor) track(pidFile string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pidKey(pidFile)
	s.watched[pid] = &watch{key: key}
	s.latest[key] = pid
	watchedProcesses.Inc()
}

// untrack forgets pid and reports whether it was asked to terminate.
func (s *Supervisor) untrack(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watched[pid]
	if !ok {
		return false
	}
	delete(s.watched, pid)
	if s.latest[w.key] == pid {
		delete(s.latest, w.key)
	}
	watchedProcesses.Dec()
	return w.terminating
}

func (s *Supervisor) expectExit(pid int) {
	s.setTerminating(pid, true)
}

func (s *Supervisor) unexpectExit(pid int) {
	s.setTerminating(pid, false)
}

func (s *Supervisor) setTerminating(pid int, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watched[pid]; ok {
		w.terminating = v
	}
}
