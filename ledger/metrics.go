// Copyright 2025 Blink Labs Software
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

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type submitMetrics struct {
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  prometheus.Histogram
}

func (m *submitMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.attempts = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_ledger_submit_attempts_total",
			Help: "ledger submission attempts by result",
		},
		[]string{"result"},
	)
	m.failures = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_ledger_submit_failures_total",
			Help: "ledger submissions that failed after all attempts, by action",
		},
		[]string{"action"},
	)
	m.latency = promautoFactory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medgate_ledger_submit_seconds",
			Help:    "time from first attempt to confirmation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)
}
