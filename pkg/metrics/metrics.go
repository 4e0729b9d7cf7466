/*
 * Copyright 2025 Canal+ Group.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes Prometheus counters for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMetrics counts connections, relayed traffic and abuse-guard
// activity.
type RelayMetrics struct {
	registry *prometheus.Registry

	DeviceConnectionsTotal    prometheus.Counter
	InspectorConnectionsTotal prometheus.Counter
	DeviceMessagesTotal       prometheus.Counter
	InspectorMessagesTotal    prometheus.Counter
	RelayedMessagesTotal      prometheus.Counter
	GuardTripsTotal           *prometheus.CounterVec
	ActiveTokens              prometheus.Gauge
}

// NewRelayMetrics creates the metric set on its own registry so multiple
// instances can coexist within one process (tests, embedded use).
func NewRelayMetrics() *RelayMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &RelayMetrics{
		registry: registry,

		DeviceConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rxpaired_device_connections_total",
			Help: "Number of device connections accepted (WebSocket and HTTP POST)",
		}),

		InspectorConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rxpaired_inspector_connections_total",
			Help: "Number of inspector connections accepted",
		}),

		DeviceMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rxpaired_device_messages_total",
			Help: "Number of messages received from devices",
		}),

		InspectorMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rxpaired_inspector_messages_total",
			Help: "Number of messages received from inspectors",
		}),

		RelayedMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rxpaired_relayed_messages_total",
			Help: "Number of messages fanned out to inspectors",
		}),

		GuardTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rxpaired_guard_trips_total",
			Help: "Number of abuse-guard limit hits, by category",
		}, []string{"category"}),

		ActiveTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rxpaired_active_tokens",
			Help: "Number of tokens currently held by the registry",
		}),
	}
}

// Handler returns an HTTP handler serving this metric set.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
