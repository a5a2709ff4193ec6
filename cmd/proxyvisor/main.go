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

package main

import (
	"github.com/tombee/proxyvisor/internal/cli"
	"github.com/tombee/proxyvisor/internal/commands/completion"
	configcmd "github.com/tombee/proxyvisor/internal/commands/config"
	"github.com/tombee/proxyvisor/internal/commands/management"
	"github.com/tombee/proxyvisor/internal/commands/proxy"
	versioncmd "github.com/tombee/proxyvisor/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Lifecycle commands
	rootCmd.AddCommand(proxy.NewRestartCommand())
	rootCmd.AddCommand(proxy.NewRunCommand())
	rootCmd.AddCommand(proxy.NewStopCommand())
	rootCmd.AddCommand(proxy.NewStatusCommand())

	// Recorded state
	rootCmd.AddCommand(management.NewHistoryCommand())

	// Configuration and shell integration
	rootCmd.AddCommand(configcmd.NewConfigCommand())
	rootCmd.AddCommand(completion.NewCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
