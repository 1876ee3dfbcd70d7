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

package toolserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the supervisor's instrumentation. A nil *metrics is valid
// and records nothing, so callers never need to guard call sites.
type metrics struct {
	startAttempts    *prometheus.CounterVec
	discoveries      *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	stateGauge       *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		startAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "toolserver",
			Name:      "start_attempts_total",
			Help:      "Tool server start attempts by outcome.",
		}, []string{"namespace", "outcome"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "toolserver",
			Name:      "discoveries_total",
			Help:      "Tool discovery runs by outcome.",
		}, []string{"namespace", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "toolserver",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"namespace", "tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helmsman",
			Subsystem: "toolserver",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"namespace", "tool"}),
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Subsystem: "toolserver",
			Name:      "state",
			Help:      "Current lifecycle state (1 for the active state, 0 otherwise).",
		}, []string{"namespace", "state"}),
	}

	reg.MustRegister(m.startAttempts, m.discoveries, m.toolCalls, m.toolCallDuration, m.stateGauge)
	return m
}

func (m *metrics) recordStartAttempt(namespace, outcome string) {
	if m == nil {
		return
	}
	m.startAttempts.WithLabelValues(namespace, outcome).Inc()
}

func (m *metrics) recordDiscovery(namespace, outcome string) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(namespace, outcome).Inc()
}

func (m *metrics) recordToolCall(namespace, tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(namespace, tool, outcome).Inc()
	m.toolCallDuration.WithLabelValues(namespace, tool).Observe(elapsed.Seconds())
}

func (m *metrics) recordState(namespace string, state ProvisionState) {
	if m == nil {
		return
	}
	states := []ProvisionState{
		StateNotReady, StateProvisioning, StateReady,
		StateError, StateDeprovisioning, StateDestroyed,
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.stateGauge.WithLabelValues(namespace, string(s)).Set(value)
	}
}
