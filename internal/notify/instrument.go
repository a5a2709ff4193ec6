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
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/proxyvisor/internal/supervisor"
)

// Instrumented records delivery counts and latency of a sink.
type Instrumented struct {
	sink       string
	next       supervisor.Reporter
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
}

// Instrument wraps next so that every delivery is measured under the sink name.
func Instrument(sink string, next supervisor.Reporter, meter metric.Meter) (*Instrumented, error) {
	deliveries, err := meter.Int64Counter(
		"proxyvisor_notifications",
		metric.WithDescription("Outcome notifications by sink and result"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"proxyvisor_notification_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Instrumented{
		sink:       sink,
		next:       next,
		deliveries: deliveries,
		latency:    latency,
	}, nil
}

// Report implements supervisor.Reporter.
func (i *Instrumented) Report(ctx context.Context, o supervisor.Outcome) error {
	start := time.Now()
	err := i.next.Report(ctx, o)

	result := "delivered"
	switch {
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case err != nil:
		result = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("sink", i.sink),
		attribute.String("kind", string(o.Kind)),
		attribute.String("result", result),
	)
	i.deliveries.Add(ctx, 1, attrs)
	i.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("sink", i.sink)))

	return err
}
