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

// Package config loads proxyvisor configuration from YAML and the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

// Tracing exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Config is the top-level proxyvisor configuration.
type Config struct {
	// Proxy describes how proxy instances are launched and stopped.
	Proxy ProxyConfig `yaml:"proxy"`

	// Targets maps each PID file to the configuration sources it is built from.
	Targets Targets `yaml:"targets"`

	// MaxParallel bounds concurrent cycles when restarting several targets.
	// Zero means one cycle per target at once.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	Log LogConfig `yaml:"log"`

	Notify NotifyConfig `yaml:"notify"`

	History HistoryConfig `yaml:"history"`

	// AuditLog is the JSONL lifecycle event log. Empty disables it.
	AuditLog string `yaml:"audit_log,omitempty"`

	Metrics MetricsConfig `yaml:"metrics"`

	Tracing TracingConfig `yaml:"tracing"`
}

// ProxyConfig configures the supervised proxy binary.
type ProxyConfig struct {
	// Binary is the proxy executable.
	Binary string `yaml:"binary"`

	// Args is the argument template. "{config}" and "{pidfile}" are substituted.
	Args []string `yaml:"args"`

	// StopTimeout bounds the wait for a prior instance to exit after SIGTERM.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// ForceKill sends SIGKILL when StopTimeout is exceeded. Default true.
	ForceKill *bool `yaml:"force_kill,omitempty"`

	// ProcessMatch, when set, must appear in the command line of a recorded
	// PID for it to be signalled.
	ProcessMatch string `yaml:"process_match,omitempty"`

	// SelfReportsPID is true when the proxy writes its own PID file. Default true.
	SelfReportsPID *bool `yaml:"self_reports_pid,omitempty"`

	// Env is added to the environment of launched proxies.
	Env map[string]string `yaml:"env,omitempty"`

	// OutputDir holds <target>.log files with the output of proxies launched
	// by commands that exit before the proxy does.
	OutputDir string `yaml:"output_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the log output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// NotifyConfig configures outcome notification sinks. The log sink is always on.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Command CommandConfig `yaml:"command"`
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	// URL enables the sink when set.
	URL string `yaml:"url,omitempty"`

	RatePerMinute int `yaml:"rate_per_minute"`

	Timeout time.Duration `yaml:"timeout"`
}

// CommandConfig configures the desktop notifier sink.
type CommandConfig struct {
	// Program enables the sink when set, e.g. notify-send.
	Program string `yaml:"program,omitempty"`

	Args []string `yaml:"args,omitempty"`
}

// HistoryConfig configures the outcome history database.
type HistoryConfig struct {
	// Enabled records every outcome. Default true.
	Enabled *bool `yaml:"enabled,omitempty"`

	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint of "proxyvisor run".
type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp-http, otlp-grpc.
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector address for the OTLP exporters.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the OTLP exporters.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the fraction of cycles traced, between 0 and 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ForceKillEnabled reports whether SIGKILL escalation is on.
func (p ProxyConfig) ForceKillEnabled() bool {
	return p.ForceKill == nil || *p.ForceKill
}

// ProxyWritesPIDFile reports whether the proxy records its own PID.
func (p ProxyConfig) ProxyWritesPIDFile() bool {
	return p.SelfReportsPID == nil || *p.SelfReportsPID
}

// EnvList returns Env as KEY=VALUE pairs.
func (p ProxyConfig) EnvList() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// IsEnabled reports whether history recording is on.
func (h HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Default returns a configuration with default values.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Proxy: ProxyConfig{
			Binary:      "haproxy",
			Args:        []string{"-f", "{config}", "-p", "{pidfile}", "-D"},
			StopTimeout: 10 * time.Second,
			OutputDir:   filepath.Join(dataDir, "proxy"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{
				RatePerMinute: 30,
				Timeout:       5 * time.Second,
			},
		},
		History: HistoryConfig{
			Path: filepath.Join(dataDir, "history.db"),
		},
		AuditLog: filepath.Join(dataDir, "lifecycle.log"),
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			SampleRatio: 1,
		},
	}
}

// Load loads configuration from the given file path, then applies
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &pverrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &pverrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Proxy.Binary == "" {
		c.Proxy.Binary = defaults.Proxy.Binary
	}
	if len(c.Proxy.Args) == 0 {
		c.Proxy.Args = defaults.Proxy.Args
	}
	if c.Proxy.StopTimeout == 0 {
		c.Proxy.StopTimeout = defaults.Proxy.StopTimeout
	}
	if c.Proxy.OutputDir == "" {
		c.Proxy.OutputDir = defaults.Proxy.OutputDir
	}
	c.Proxy.OutputDir = expandHome(c.Proxy.OutputDir)

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Notify.Webhook.RatePerMinute == 0 {
		c.Notify.Webhook.RatePerMinute = defaults.Notify.Webhook.RatePerMinute
	}
	if c.Notify.Webhook.Timeout == 0 {
		c.Notify.Webhook.Timeout = defaults.Notify.Webhook.Timeout
	}

	if c.History.Path == "" {
		c.History.Path = defaults.History.Path
	}
	c.History.Path = expandHome(c.History.Path)
	c.AuditLog = expandHome(c.AuditLog)

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PROXYVISOR_PROXY_BINARY"); val != "" {
		c.Proxy.Binary = val
	}
	if val := os.Getenv("PROXYVISOR_STOP_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Proxy.StopTimeout = duration
		}
	}
	if val := os.Getenv("PROXYVISOR_FORCE_KILL"); val != "" {
		force := parseBool(val)
		c.Proxy.ForceKill = &force
	}
	if val := os.Getenv("PROXYVISOR_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxParallel = n
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("PROXYVISOR_WEBHOOK_URL"); val != "" {
		c.Notify.Webhook.URL = val
	}
	if val := os.Getenv("PROXYVISOR_OUTPUT_DIR"); val != "" {
		c.Proxy.OutputDir = expandHome(val)
	}
	if val := os.Getenv("PROXYVISOR_HISTORY_PATH"); val != "" {
		c.History.Path = expandHome(val)
	}
	if val := os.Getenv("PROXYVISOR_AUDIT_LOG"); val != "" {
		c.AuditLog = expandHome(val)
	}
	if val := os.Getenv("PROXYVISOR_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}
	if val := os.Getenv("PROXYVISOR_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = val
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs pverrors.ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, &pverrors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Proxy.Binary == "" {
		add("proxy.binary", "must not be empty")
	}
	if c.Proxy.StopTimeout < 0 {
		add("proxy.stop_timeout", "must not be negative, got %v", c.Proxy.StopTimeout)
	}
	if c.MaxParallel < 0 {
		add("max_parallel", "must not be negative, got %d", c.MaxParallel)
	}

	seen := make(map[string]string)
	for _, t := range c.Targets {
		field := fmt.Sprintf("targets[%s]", t.PIDFile)
		if t.PIDFile == "" {
			add("targets", "PID file path must not be empty")
			continue
		}
		if len(t.Sources) == 0 {
			add(field, "at least one configuration source is required")
		}
		name := t.Name()
		if other, ok := seen[name]; ok {
			add(field, "target name %q is also used by %s", name, other)
		}
		seen[name] = t.PIDFile
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "must be one of trace, debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format", "must be json or text, got %q", c.Log.Format)
	}

	if u := c.Notify.Webhook.URL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			add("notify.webhook.url", "must be an http or https URL, got %q", u)
		}
	}
	if c.Notify.Webhook.RatePerMinute < 0 {
		add("notify.webhook.rate_per_minute", "must not be negative")
	}

	if c.History.IsEnabled() && c.History.Path == "" {
		add("history.path", "must be set when history is enabled")
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen", "must be host:port, got %q", c.Metrics.Listen)
		}
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPHTTP, ExporterOTLPGRPC:
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint", "is required for the %s exporter", c.Tracing.Exporter)
		}
	default:
		add("tracing.exporter", "must be one of none, stdout, otlp-http, otlp-grpc, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", "must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
