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
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/proxyvisor/internal/supervisor"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Header styles section headers
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")) // blue bold
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Printer renders styled output, falling back to plain text when the
// destination is not a terminal.
type Printer struct {
	styled bool
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) Printer {
	return Printer{styled: IsTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

func (p Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

// OK renders a success message with a green checkmark
func (p Printer) OK(msg string) string {
	return p.render(StatusOK, SymbolOK) + " " + msg
}

// Warn renders a warning message with an orange symbol
func (p Printer) Warn(msg string) string {
	return p.render(StatusWarn, SymbolWarn) + " " + msg
}

// Error renders an error message with a red X
func (p Printer) Error(msg string) string {
	return p.render(StatusError, SymbolError) + " " + msg
}

// Header renders a section header
func (p Printer) Header(msg string) string {
	return p.render(Header, msg)
}

// Label renders a dim label (for key: value pairs)
func (p Printer) Label(label string) string {
	return p.render(Muted, label)
}

// Outcome renders one restart outcome line.
func (p Printer) Outcome(o supervisor.Outcome) string {
	if o.Kind == supervisor.KindFailed {
		return p.Error(o.Summary())
	}
	return p.OK(o.Summary())
}
