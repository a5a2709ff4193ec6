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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/proxyvisor/internal/config"
	"github.com/tombee/proxyvisor/internal/supervisor"
)

const fakeProxy = `echo $$ > "$1"; exec sleep 30`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "proxy.cfg")
	require.NoError(t, os.WriteFile(cfgPath, []byte("global\n"), 0600))

	cfg := config.Default()
	cfg.Proxy.Binary = "/bin/sh"
	cfg.Proxy.Args = []string{"-c", fakeProxy, "fake-proxy", "{pidfile}", "{config}"}
	cfg.Targets = config.Targets{{
		PIDFile: filepath.Join(dir, "edge.pid"),
		Sources: []string{cfgPath},
	}}
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.AuditLog = filepath.Join(dir, "lifecycle.log")
	return cfg
}

type collected struct {
	mu       sync.Mutex
	outcomes []supervisor.Outcome
}

func (c *collected) Report(_ context.Context, o supervisor.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
	return nil
}

func TestNewRuntime_RestartRecordsHistory(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	ctx := context.Background()
	cfg := testConfig(t)
	var logs bytes.Buffer
	sink := &collected{}

	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{
		LogOutput:  &logs,
		Registerer: prometheus.NewRegistry(),
		Reporters:  []supervisor.Reporter{sink},
	})
	require.NoError(t, err)
	require.NotNil(t, rt.History)

	targets, err := cfg.ResolveTargets()
	require.NoError(t, err)

	out := rt.Supervisor.Restart(ctx, targets[0])
	require.NoError(t, out.Err)
	assert.Equal(t, supervisor.KindStarted, out.Kind)

	stop := rt.Supervisor.Stop(ctx, targets[0])
	require.NoError(t, stop.Err)
	rt.Supervisor.Wait()

	records, err := rt.History.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "edge", records[0].Target)
	assert.Equal(t, string(supervisor.KindStarted), records[0].Kind)

	sink.mu.Lock()
	assert.Len(t, sink.outcomes, 1)
	sink.mu.Unlock()

	assert.Contains(t, logs.String(), "proxy started")
	assert.FileExists(t, cfg.AuditLog)
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"component"`) {
			assert.Equal(t, 1, strings.Count(line, `"component"`), "duplicate component key: %s", line)
		}
	}
	require.NoError(t, rt.Close(ctx))
}

func TestNewRuntime_DetachOutput(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Proxy.OutputDir = filepath.Join(t.TempDir(), "proxy")

	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{
		LogOutput:    &bytes.Buffer{},
		Registerer:   prometheus.NewRegistry(),
		DetachOutput: true,
	})
	require.NoError(t, err)
	defer rt.Close(ctx)

	targets, err := cfg.ResolveTargets()
	require.NoError(t, err)

	out := rt.Supervisor.Restart(ctx, targets[0])
	require.NoError(t, out.Err)
	assert.FileExists(t, filepath.Join(cfg.Proxy.OutputDir, "edge.log"))

	rt.Supervisor.Stop(ctx, targets[0])
	rt.Supervisor.Wait()
}

func TestNewRuntime_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	cfg.History.Enabled = &disabled

	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{
		LogOutput:  &bytes.Buffer{},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.Nil(t, rt.History)
	assert.NoFileExists(t, cfg.History.Path)
}

func TestNewRuntime_InvalidWebhook(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Webhook.URL = "ftp://example.com/hook"

	_, err := NewRuntime(context.Background(), cfg, RuntimeOptions{
		LogOutput:  &bytes.Buffer{},
		Registerer: prometheus.NewRegistry(),
	})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestLoadConfig_FromFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxy:
  binary: /usr/sbin/haproxy
targets:
  /run/edge.pid: /etc/haproxy/edge.cfg
`), 0600))

	SetConfigPathForTest(path)
	t.Cleanup(func() { SetConfigPathForTest("") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/usr/sbin/haproxy", cfg.Proxy.Binary)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "edge", cfg.Targets[0].Name())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	SetConfigPathForTest(filepath.Join(t.TempDir(), "missing.yaml"))
	t.Cleanup(func() { SetConfigPathForTest("") })

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}
