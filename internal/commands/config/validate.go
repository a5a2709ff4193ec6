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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/proxyvisor/internal/commands/shared"
	"github.com/tombee/proxyvisor/internal/config"
	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and its targets",
		Long: `Validate the configuration file and check each target.

Checks performed:
  - YAML syntax and field values
  - The proxy binary can be found
  - Each target resolves to an existing configuration file
  - Each PID file directory exists

Problems that would make every cycle fail are errors. Problems that only
affect some targets are warnings. With --strict, warnings are treated as
errors.`,
		Example: `  # Validate configuration
  proxyvisor config validate

  # Validate with warnings as errors
  proxyvisor config validate --strict

  # Get validation result as JSON
  proxyvisor config validate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, strict bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return outputValidationResult(cmd, loadFailure(err), strict)
	}
	return outputValidationResult(cmd, validateConfig(cfg), strict)
}

// loadFailure turns a load error into a result, one entry per field problem.
func loadFailure(err error) ValidationResult {
	result := ValidationResult{Valid: false}

	var verrs pverrors.ValidationErrors
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			result.Errors = append(result.Errors, v.Error())
		}
		return result
	}
	result.Errors = []string{err.Error()}
	return result
}

// validateConfig checks a loaded config against the local system.
func validateConfig(cfg *config.Config) ValidationResult {
	var errs, warnings []string

	if _, err := exec.LookPath(cfg.Proxy.Binary); err != nil {
		errs = append(errs, fmt.Sprintf("proxy binary %q not found: %v", cfg.Proxy.Binary, err))
	}

	if len(cfg.Targets) == 0 {
		warnings = append(warnings, "no targets configured")
	}

	for _, spec := range cfg.Targets {
		name := spec.Name()
		source := spec.ResolveSource()
		if _, err := os.Stat(source); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: no configuration source resolves (tried %v)", name, spec.Sources))
		}
		if info, err := os.Stat(filepath.Dir(spec.PIDFile)); err != nil || !info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("%s: PID file directory %s does not exist", name, filepath.Dir(spec.PIDFile)))
		}
	}

	return ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

func outputValidationResult(cmd *cobra.Command, result ValidationResult, strict bool) error {
	if strict && len(result.Warnings) > 0 {
		result.Valid = false
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, result); err != nil {
			return err
		}
	} else {
		p := shared.NewPrinter(out)
		for _, e := range result.Errors {
			fmt.Fprintln(out, p.Error(e))
		}
		for _, w := range result.Warnings {
			fmt.Fprintln(out, p.Warn(w))
		}
		if result.Valid {
			fmt.Fprintln(out, p.OK("configuration is valid"))
		}
	}

	if !result.Valid {
		return shared.NewConfigError("configuration is invalid", nil)
	}
	return nil
}
