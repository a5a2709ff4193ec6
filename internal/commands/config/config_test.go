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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/shared"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "proxyvisor", SilenceUsage: true, SilenceErrors: true}
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	root.AddCommand(NewConfigCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"config"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestMaskURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"https://hooks.slack.com/services/T000/B000/XXXX", "https://hooks.slack.com/****"},
		{"http://localhost:8080", "http://localhost:8080"},
		{"not a url", "****"},
	}
	for _, tt := range tests {
		if got := maskURL(tt.in); got != tt.want {
			t.Errorf("maskURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigShow(t *testing.T) {
	writeConfig(t, `
proxy:
  binary: /usr/sbin/haproxy
targets:
  /run/edge.pid: [/etc/haproxy/edge.cfg]
notify:
  webhook:
    url: https://hooks.example.com/secret-token
`)

	out, err := execute(t, "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "/usr/sbin/haproxy") {
		t.Errorf("expected proxy binary in output:\n%s", out)
	}
	if !strings.Contains(out, "/run/edge.pid") {
		t.Errorf("expected target in output:\n%s", out)
	}
	if strings.Contains(out, "secret-token") {
		t.Errorf("webhook token was not masked:\n%s", out)
	}
	if !strings.Contains(out, "stop_timeout: 10s") {
		t.Errorf("expected default stop timeout:\n%s", out)
	}
}

func TestConfigPath(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "path")
	if err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("expected %q, got %q", path, out)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "edge.cfg")
	if err := os.WriteFile(cfgFile, []byte("global\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("valid", func(t *testing.T) {
		writeConfig(t, "proxy:\n  binary: sh\ntargets:\n  "+filepath.Join(dir, "edge.pid")+": "+cfgFile+"\n")
		out, err := execute(t, "validate", "--strict")
		if err != nil {
			t.Fatalf("expected valid config, got %v\n%s", err, out)
		}
		if !strings.Contains(out, "configuration is valid") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("warnings", func(t *testing.T) {
		writeConfig(t, "proxy:\n  binary: sh\ntargets:\n  /nonexistent/dir/edge.pid: "+filepath.Join(dir, "missing-*.cfg")+"\n")

		if _, err := execute(t, "validate"); err != nil {
			t.Fatalf("warnings should not fail without --strict: %v", err)
		}

		out, err := execute(t, "validate", "--strict", "--json")
		if shared.ExitCode(err) != shared.ExitConfigError {
			t.Fatalf("expected config error exit code, got %v", err)
		}
		var result ValidationResult
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, out)
		}
		if result.Valid || len(result.Warnings) != 2 {
			t.Errorf("expected two warnings, got %+v", result)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		writeConfig(t, "log:\n  level: loud\nmax_parallel: -1\n")
		out, err := execute(t, "validate", "--json")
		if shared.ExitCode(err) != shared.ExitConfigError {
			t.Fatalf("expected config error exit code, got %v", err)
		}
		var result ValidationResult
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, out)
		}
		if len(result.Errors) != 2 {
			t.Errorf("expected one error per field, got %v", result.Errors)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		writeConfig(t, "proxy:\n  binary: definitely-not-a-proxy-binary\n")
		_, err := execute(t, "validate")
		if err == nil {
			t.Fatal("expected error for missing binary")
		}
	})
}
