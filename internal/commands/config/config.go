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
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
		Long: `View and check proxyvisor configuration.

Subcommands:
  show     - Display the effective configuration
  path     - Show config file location
  validate - Check the configuration and its targets`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(NewValidateCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = runConfigShow

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after defaults and environment overrides.

The webhook URL path is masked because it usually carries a token.
Use --json for machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Long:  `Display the path to the configuration file.`,
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	masked := maskSensitiveConfig(cfg)

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, masked)
	}
	return outputConfigYAML(out, masked)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
	return nil
}

// configPath returns the --config value or the XDG default.
func configPath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	p, err := config.ConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to determine config path: %w", err)
	}
	return p, nil
}

// maskSensitiveConfig creates a copy of config with sensitive values masked
func maskSensitiveConfig(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Notify.Webhook.URL = maskURL(cfg.Notify.Webhook.URL)
	return &masked
}

// maskURL keeps the scheme and host of u and hides the rest.
func maskURL(u string) string {
	if u == "" {
		return ""
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "****"
	}
	if parsed.Path == "" || parsed.Path == "/" {
		return parsed.Scheme + "://" + parsed.Host
	}
	return parsed.Scheme + "://" + parsed.Host + "/****"
}

func outputConfigYAML(out io.Writer, cfg *config.Config) error {
	if p, err := configPath(); err == nil {
		if _, statErr := os.Stat(p); statErr == nil {
			fmt.Fprintf(out, "# Configuration: %s\n", p)
		} else {
			fmt.Fprintln(out, "# Configuration: defaults (no config file)")
		}
		fmt.Fprintln(out, "# "+strings.Repeat("=", 48))
	}

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return encoder.Close()
}
