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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrument_CountsResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	ok, err := Instrument("log", &countingReporter{}, meter)
	require.NoError(t, err)
	failing, err := Instrument("webhook", &countingReporter{err: errors.New("down")}, meter)
	require.NoError(t, err)
	limited, err := Instrument("webhook", &countingReporter{err: ErrRateLimited}, meter)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ok.Report(ctx, startedOutcome()))
	require.NoError(t, ok.Report(ctx, startedOutcome()))
	require.Error(t, failing.Report(ctx, crashedOutcome()))
	require.ErrorIs(t, limited.Report(ctx, startedOutcome()), ErrRateLimited)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "proxyvisor_notifications" {
				continue
			}
			sum, isSum := m.Data.(metricdata.Sum[int64])
			require.True(t, isSum)
			for _, dp := range sum.DataPoints {
				sink, _ := dp.Attributes.Value(attribute.Key("sink"))
				result, _ := dp.Attributes.Value(attribute.Key("result"))
				counts[sink.AsString()+"/"+result.AsString()] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(2), counts["log/delivered"])
	assert.Equal(t, int64(1), counts["webhook/error"])
	assert.Equal(t, int64(1), counts["webhook/rate_limited"])
}
