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

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "proxyvisor" {
		t.Errorf("expected use 'proxyvisor', got %q", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}

	if cmd.Long == "" {
		t.Error("expected long description to be set")
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "quiet", "json", "config"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not registered", name)
		}
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	if v != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", v)
	}
	if c != "abc123" {
		t.Errorf("expected commit 'abc123', got %q", c)
	}
	if b != "2025-12-22" {
		t.Errorf("expected build date '2025-12-22', got %q", b)
	}
}

func newTestTree() *cobra.Command {
	root := NewRootCommand()
	restart := &cobra.Command{
		Use:     "restart [target...]",
		Short:   "Run one restart cycle per target",
		Example: "  proxyvisor restart edge",
		RunE:    func(*cobra.Command, []string) error { return nil },
	}
	restart.Flags().Bool("wait", false, "Wait for launched proxies to exit")
	root.AddCommand(restart)
	root.SetHelpCommand(NewHelpCommand(root))
	return root
}

func TestHelpCommand_JSON(t *testing.T) {
	root := newTestTree()
	defer shared.SetJSONForTest(false)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"help", "restart", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}

	var resp HelpResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if resp.Detail == nil || resp.Detail.Name != "restart" {
		t.Fatalf("expected restart metadata, got %+v", resp.Detail)
	}
	if len(resp.Detail.Flags) != 1 || resp.Detail.Flags[0].Name != "wait" {
		t.Errorf("expected wait flag, got %+v", resp.Detail.Flags)
	}
	if resp.Command != "help restart" {
		t.Errorf("expected command 'help restart', got %q", resp.Command)
	}
	if len(resp.GlobalFlags) == 0 {
		t.Error("expected global flags")
	}
}

func TestHelpCommand_JSONAll(t *testing.T) {
	root := newTestTree()
	defer shared.SetJSONForTest(false)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"help", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}

	var resp HelpResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	found := false
	for _, c := range resp.Commands {
		if c.Name == "restart" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected restart in %+v", resp.Commands)
	}
}

func TestHelpCommand_UnknownCommand(t *testing.T) {
	root := newTestTree()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"help", "nope"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}
