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

/*
Package cli provides the root command and shared configuration for proxyvisor's CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

The CLI is organized as:

	proxyvisor
	├── restart       Run one restart cycle per target
	├── run           Supervise targets until interrupted
	├── stop          Terminate targets without relaunching
	├── status        Show PID records and liveness
	├── history       Show recorded outcomes
	├── version       Show version
	└── help          Show help

# Global Flags

	--verbose, -v   Debug logging
	--quiet, -q     Errors only
	--json          Machine-readable output
	--config        Config file (default: ~/.config/proxyvisor/config.yaml)

# Exit Codes

	0  success
	1  at least one cycle failed
	2  configuration error
	3  unknown target
*/
package cli
