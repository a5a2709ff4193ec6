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

package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cyclesTotal tracks completed restart cycles
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_cycles_total",
			Help: "Total restart cycles by target and outcome kind",
		},
		[]string{"target", "kind"},
	)

	// cycleFailures tracks failed cycles and crashed processes
	cycleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_failures_total",
			Help: "Total failures by target and reason",
		},
		[]string{"target", "reason"},
	)

	// cycleDuration tracks how long a cycle takes from check to launch
	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxyvisor_cycle_duration_seconds",
			Help:    "Duration of restart cycles by target",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target"},
	)

	// processExits tracks exits of launched processes
	processExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_process_exits_total",
			Help: "Total exits of launched proxy processes by target and result",
		},
		[]string{"target", "result"},
	)

	// watchedProcesses tracks launched processes whose exit is still pending
	watchedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_watched_processes",
			Help: "Number of launched proxy processes currently being watched",
		},
	)
)

// Exit results recorded in proxyvisor_process_exits_total.
const (
	exitClean      = "clean"
	exitCrashed    = "crashed"
	exitTerminated = "terminated"
)

// recordCycle records a completed cycle
func recordCycle(target string, o Outcome, elapsed time.Duration) {
	cyclesTotal.WithLabelValues(target, string(o.Kind)).Inc()
	cycleDuration.WithLabelValues(target).Observe(elapsed.Seconds())
	if o.Err != nil {
		cycleFailures.WithLabelValues(target, o.Reason()).Inc()
	}
}

// recordExit records the exit of a watched process
func recordExit(target, result string) {
	processExits.WithLabelValues(target, result).Inc()
	if result == exitCrashed {
		cycleFailures.WithLabelValues(target, Reason(ErrProcessCrashed)).Inc()
	}
}
