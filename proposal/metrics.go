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

package proposal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	created     *prometheus.CounterVec
	votes       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	proposals   *prometheus.GaugeVec
	approvers   prometheus.Gauge
	consents    prometheus.Gauge
}

func (m *managerMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.created = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_proposals_created_total",
			Help: "proposals created by access type",
		},
		[]string{"access_type"},
	)
	m.votes = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_votes_total",
			Help: "recorded votes by kind",
		},
		[]string{"vote"},
	)
	m.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_proposal_transitions_total",
			Help: "proposal status transitions",
		},
		[]string{"from", "to"},
	)
	m.failures = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medgate_operation_failures_total",
			Help: "failed operations by operation and error kind",
		},
		[]string{"op", "kind"},
	)
	m.proposals = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medgate_proposals",
			Help: "proposals by current status",
		},
		[]string{"status"},
	)
	m.approvers = promautoFactory.NewGauge(
		prometheus.GaugeOpts{
			Name: "medgate_authorized_approvers",
			Help: "currently authorized approvers",
		},
	)
	m.consents = promautoFactory.NewGauge(
		prometheus.GaugeOpts{
			Name: "medgate_active_consents",
			Help: "unexpired patient consent grants",
		},
	)
}
