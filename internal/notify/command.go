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

package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/proxyvisor/internal/supervisor"
)

// DefaultCommandTimeout bounds a notifier command.
const DefaultCommandTimeout = 10 * time.Second

// Placeholders substituted in notifier command arguments.
const (
	TitlePlaceholder   = "{title}"
	MessagePlaceholder = "{message}"
	KindPlaceholder    = "{kind}"
	TargetPlaceholder  = "{target}"
	PIDPlaceholder     = "{pid}"
)

// Command runs an external notifier, such as notify-send or terminal-notifier,
// once per outcome.
type Command struct {
	Program string

	// Args is the argument template. When empty, the title and message are
	// passed as the two positional arguments.
	Args []string

	Timeout time.Duration
}

// NewCommand creates a command sink.
func NewCommand(program string, args []string) *Command {
	return &Command{
		Program: program,
		Args:    args,
		Timeout: DefaultCommandTimeout,
	}
}

// Report implements supervisor.Reporter.
func (c *Command) Report(ctx context.Context, o supervisor.Outcome) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.ExpandArgs(o)
	out, err := exec.CommandContext(ctx, c.Program, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("notifier %s failed: %w: %s", c.Program, err, msg)
		}
		return fmt.Errorf("notifier %s failed: %w", c.Program, err)
	}
	return nil
}

// ExpandArgs substitutes outcome fields into the argument template.
func (c *Command) ExpandArgs(o supervisor.Outcome) []string {
	title := Title(o)
	message := o.Summary()
	if len(c.Args) == 0 {
		return []string{title, message}
	}

	pid := ""
	if o.PID > 0 {
		pid = strconv.Itoa(o.PID)
	}
	r := strings.NewReplacer(
		TitlePlaceholder, title,
		MessagePlaceholder, message,
		KindPlaceholder, string(o.Kind),
		TargetPlaceholder, o.Target.DisplayName(),
		PIDPlaceholder, pid,
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}
