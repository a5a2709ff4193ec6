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
	"errors"
	"fmt"
	"os"
)

// Exit codes for proxyvisor commands
const (
	ExitSuccess     = 0
	ExitCycleFailed = 1
	ExitConfigError = 2
	ExitNotFound    = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewCycleError creates an error for failed restart or stop cycles
func NewCycleError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitCycleFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewConfigError creates an error for unusable configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigError,
		Message: msg,
		Cause:   cause,
	}
}

// NewNotFoundError creates an error for unknown targets
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitNotFound,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCycleFailed
}

// HandleExitError prints err and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	if msg := err.Error(); msg != "" {
		fmt.Fprintln(os.Stderr, "Error:", msg)
	}
	os.Exit(ExitCode(err))
}
