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

package errors_test

import (
	"errors"
	"os"
	"testing"

	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *pverrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &pverrors.ValidationError{Field: "proxy.binary", Message: "must not be empty"},
			wantMsg: "validation failed on proxy.binary: must not be empty",
		},
		{
			name:    "without field",
			err:     &pverrors.ValidationError{Message: "no targets configured"},
			wantMsg: "validation failed: no targets configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := pverrors.ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}

	want := "validation failed on a: bad; validation failed on b: worse"
	if got := errs.Error(); got != want {
		t.Errorf("ValidationErrors.Error() = %q, want %q", got, want)
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &pverrors.NotFoundError{Resource: "target", ID: "proxy-a"}
	if got := err.Error(); got != "target not found: proxy-a" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
}

func TestConfigError(t *testing.T) {
	t.Run("formats key and cause", func(t *testing.T) {
		err := &pverrors.ConfigError{Key: "config_file", Reason: "failed to load", Cause: os.ErrNotExist}
		want := "config error at config_file: failed to load: file does not exist"
		if got := err.Error(); got != want {
			t.Errorf("ConfigError.Error() = %q, want %q", got, want)
		}
	})

	t.Run("formats without key", func(t *testing.T) {
		err := &pverrors.ConfigError{Reason: "broken"}
		if got := err.Error(); got != "config error: broken" {
			t.Errorf("ConfigError.Error() = %q", got)
		}
	})

	t.Run("unwraps cause", func(t *testing.T) {
		err := error(&pverrors.ConfigError{Key: "x", Reason: "y", Cause: os.ErrPermission})
		if !errors.Is(err, os.ErrPermission) {
			t.Error("errors.Is(ConfigError, os.ErrPermission) = false")
		}

		var cfgErr *pverrors.ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Key != "x" {
			t.Errorf("errors.As failed: %v", cfgErr)
		}
	})
}
