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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/proxyvisor/internal/supervisor"
)

// ErrRateLimited is returned when a notification is dropped by the webhook rate limit.
var ErrRateLimited = errors.New("webhook rate limit exceeded")

// Webhook defaults.
const (
	DefaultWebhookTimeout = 5 * time.Second
	DefaultRatePerMinute  = 30
)

// WebhookConfig configures a Webhook sink.
type WebhookConfig struct {
	// URL receives a JSON POST per outcome.
	URL string

	// RatePerMinute caps deliveries; excess outcomes are dropped.
	RatePerMinute int

	// Timeout bounds each delivery.
	Timeout time.Duration

	// Client overrides the HTTP client.
	Client *http.Client
}

// WebhookPayload is the JSON body posted for each outcome. The text field makes
// it compatible with Slack and Mattermost incoming webhooks.
type WebhookPayload struct {
	Text     string `json:"text"`
	Title    string `json:"title"`
	Target   string `json:"target"`
	CycleID  string `json:"cycle_id"`
	Kind     string `json:"kind"`
	Phase    string `json:"phase"`
	PID      int    `json:"pid,omitempty"`
	PriorPID int    `json:"prior_pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Time     string `json:"time"`
}

// Webhook posts outcomes to an HTTP endpoint.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook sink.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL %q: scheme must be http or https", cfg.URL)
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Webhook{
		url:     cfg.URL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
	}, nil
}

// Report implements supervisor.Reporter.
func (w *Webhook) Report(ctx context.Context, o supervisor.Outcome) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}

	body, err := json.Marshal(NewWebhookPayload(o))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "proxyvisor")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewWebhookPayload builds the JSON body for an outcome.
func NewWebhookPayload(o supervisor.Outcome) WebhookPayload {
	p := WebhookPayload{
		Text:     o.Summary(),
		Title:    Title(o),
		Target:   o.Target.DisplayName(),
		CycleID:  o.CycleID,
		Kind:     string(o.Kind),
		Phase:    string(o.Phase),
		PID:      o.PID,
		PriorPID: o.PriorPID,
		ExitCode: o.ExitCode,
		Reason:   o.Reason(),
		Time:     o.Time.UTC().Format(time.RFC3339),
	}
	if o.Err != nil {
		p.Error = o.Err.Error()
	}
	return p
}
