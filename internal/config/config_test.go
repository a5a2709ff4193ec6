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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROXYVISOR_PROXY_BINARY", "PROXYVISOR_STOP_TIMEOUT", "PROXYVISOR_FORCE_KILL",
		"PROXYVISOR_MAX_PARALLEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
		"PROXYVISOR_WEBHOOK_URL", "PROXYVISOR_OUTPUT_DIR", "PROXYVISOR_HISTORY_PATH", "PROXYVISOR_AUDIT_LOG",
		"PROXYVISOR_METRICS_LISTEN", "PROXYVISOR_TRACING_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "haproxy", cfg.Proxy.Binary)
	assert.Equal(t, []string{"-f", "{config}", "-p", "{pidfile}", "-D"}, cfg.Proxy.Args)
	assert.Equal(t, 10*time.Second, cfg.Proxy.StopTimeout)
	assert.True(t, cfg.Proxy.ForceKillEnabled())
	assert.True(t, cfg.Proxy.ProxyWritesPIDFile())
	assert.True(t, cfg.History.IsEnabled())
	assert.Equal(t, "proxy", filepath.Base(cfg.Proxy.OutputDir))
	assert.Equal(t, ExporterNone, cfg.Tracing.Exporter)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "config.yaml"), `
proxy:
  binary: /usr/sbin/haproxy
  stop_timeout: 3s
  force_kill: false
  process_match: haproxy
  self_reports_pid: false
  env:
    HAPROXY_LOCALPEER: edge
targets:
  /run/proxy-b.pid:
    - /etc/proxy/b/*.cfg
    - /etc/proxy/b.fallback.cfg
  /run/proxy-a.pid: /etc/proxy/a.cfg
max_parallel: 2
log:
  level: debug
  format: text
notify:
  webhook:
    url: https://hooks.example.com/T000
  command:
    program: notify-send
history:
  enabled: false
metrics:
  listen: 127.0.0.1:9464
tracing:
  exporter: otlp-grpc
  endpoint: collector:4317
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/sbin/haproxy", cfg.Proxy.Binary)
	assert.Equal(t, Default().Proxy.Args, cfg.Proxy.Args, "args default when omitted")
	assert.Equal(t, 3*time.Second, cfg.Proxy.StopTimeout)
	assert.False(t, cfg.Proxy.ForceKillEnabled())
	assert.False(t, cfg.Proxy.ProxyWritesPIDFile())
	assert.Equal(t, "haproxy", cfg.Proxy.ProcessMatch)
	assert.Equal(t, []string{"HAPROXY_LOCALPEER=edge"}, cfg.Proxy.EnvList())

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "/run/proxy-b.pid", cfg.Targets[0].PIDFile, "declaration order is preserved")
	assert.Equal(t, []string{"/etc/proxy/b/*.cfg", "/etc/proxy/b.fallback.cfg"}, cfg.Targets[0].Sources)
	assert.Equal(t, "/run/proxy-a.pid", cfg.Targets[1].PIDFile)
	assert.Equal(t, []string{"/etc/proxy/a.cfg"}, cfg.Targets[1].Sources)

	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "https://hooks.example.com/T000", cfg.Notify.Webhook.URL)
	assert.Equal(t, 30, cfg.Notify.Webhook.RatePerMinute)
	assert.Equal(t, "notify-send", cfg.Notify.Command.Program)
	assert.False(t, cfg.History.IsEnabled())
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
	assert.Equal(t, ExporterOTLPGRPC, cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXYVISOR_PROXY_BINARY", "/opt/haproxy")
	t.Setenv("PROXYVISOR_STOP_TIMEOUT", "750ms")
	t.Setenv("PROXYVISOR_FORCE_KILL", "false")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("PROXYVISOR_WEBHOOK_URL", "http://localhost:9000/hook")
	t.Setenv("PROXYVISOR_METRICS_LISTEN", ":9464")
	t.Setenv("PROXYVISOR_TRACING_EXPORTER", "stdout")
	t.Setenv("PROXYVISOR_OUTPUT_DIR", "/var/log/proxyvisor")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/opt/haproxy", cfg.Proxy.Binary)
	assert.Equal(t, 750*time.Millisecond, cfg.Proxy.StopTimeout)
	assert.False(t, cfg.Proxy.ForceKillEnabled())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "http://localhost:9000/hook", cfg.Notify.Webhook.URL)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, ExporterStdout, cfg.Tracing.Exporter)
	assert.Equal(t, "/var/log/proxyvisor", cfg.Proxy.OutputDir)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var cfgErr *pverrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidTargets(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "config.yaml"), "targets:\n  - /run/a.pid\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a mapping")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty binary", func(c *Config) { c.Proxy.Binary = "" }, "proxy.binary"},
		{"negative timeout", func(c *Config) { c.Proxy.StopTimeout = -time.Second }, "proxy.stop_timeout"},
		{"negative parallel", func(c *Config) { c.MaxParallel = -1 }, "max_parallel"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad webhook", func(c *Config) { c.Notify.Webhook.URL = "ftp://x" }, "notify.webhook.url"},
		{"bad listen", func(c *Config) { c.Metrics.Listen = "9464" }, "metrics.listen"},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = ExporterOTLPHTTP }, "tracing.endpoint"},
		{"bad ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
		{"target without sources", func(c *Config) {
			c.Targets = Targets{{PIDFile: "/run/a.pid"}}
		}, "targets[/run/a.pid]"},
		{"duplicate target names", func(c *Config) {
			c.Targets = Targets{
				{PIDFile: "/run/a.pid", Sources: []string{"/a.cfg"}},
				{PIDFile: "/var/run/a.pid", Sources: []string{"/b.cfg"}},
			}
		}, "targets[/var/run/a.pid]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs pverrors.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, len(verrs))
			for i, v := range verrs {
				fields[i] = v.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestTargets_ResolveSource(t *testing.T) {
	dir := t.TempDir()
	fallback := writeFile(t, filepath.Join(dir, "fallback.cfg"), "global\n")
	writeFile(t, filepath.Join(dir, "b", "20-late.cfg"), "global\n")
	early := writeFile(t, filepath.Join(dir, "b", "nested", "10-early.cfg"), "global\n")

	tests := []struct {
		name    string
		sources []string
		want    string
	}{
		{"literal", []string{fallback}, fallback},
		{"glob before literal", []string{filepath.Join(dir, "b", "**", "*.cfg"), fallback}, filepath.Join(dir, "b", "20-late.cfg")},
		{"nested glob", []string{filepath.Join(dir, "b", "nested", "*.cfg")}, early},
		{"unmatched glob falls through", []string{filepath.Join(dir, "none", "*.cfg"), fallback}, fallback},
		{"missing literal falls through", []string{filepath.Join(dir, "gone.cfg"), fallback}, fallback},
		{"nothing resolves", []string{filepath.Join(dir, "gone.cfg")}, filepath.Join(dir, "gone.cfg")},
		{"no sources", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := TargetSpec{PIDFile: "/run/proxy-a.pid", Sources: tt.sources}
			assert.Equal(t, tt.want, spec.ResolveSource())
		})
	}
}

func TestConfig_ResolveTargets(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a.cfg"), "global\n")
	b := writeFile(t, filepath.Join(dir, "b.cfg"), "global\n")

	cfg := Default()
	cfg.Targets = Targets{
		{PIDFile: "/run/proxy-a.pid", Sources: []string{a}},
		{PIDFile: "/run/proxy-b.pid", Sources: []string{b}},
	}

	all, err := cfg.ResolveTargets()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "proxy-a", all[0].Name)
	assert.Equal(t, a, all[0].ConfigPath)
	assert.Equal(t, "/run/proxy-a.pid", all[0].PIDFile)

	some, err := cfg.ResolveTargets("/run/proxy-b.pid", "proxy-a")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "proxy-b", some[0].Name)
	assert.Equal(t, "proxy-a", some[1].Name)

	_, err = cfg.ResolveTargets("proxy-c")
	var nf *pverrors.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "proxy-c", nf.ID)
}

func TestTargets_MarshalRoundTrip(t *testing.T) {
	in := Targets{
		{PIDFile: "/run/z.pid", Sources: []string{"/etc/z.cfg"}},
		{PIDFile: "/run/a.pid", Sources: []string{"/etc/a/*.cfg", "/etc/a.cfg"}},
	}

	data, err := yaml.Marshal(struct {
		Targets Targets `yaml:"targets"`
	}{in})
	require.NoError(t, err)

	var out struct {
		Targets Targets `yaml:"targets"`
	}
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in, out.Targets)
}

func TestConfigPath_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "proxyvisor", "config.yaml"), path)

	t.Setenv("XDG_DATA_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "proxyvisor"), DataDir())
}
