// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the runtime reports. Construct one with
// New (default registry) or NewWithRegistry for tests.
type Metrics struct {
	// Token lifecycle
	RefreshOutcomes *prometheus.CounterVec
	TokensManaged   prometheus.Gauge

	// Sessions
	SessionsActive     prometheus.Gauge
	SessionsHealthy    prometheus.Gauge
	Reconnects         *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RefreshOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhue_token_refresh_outcomes_total",
			Help: "Token lifecycle outcomes by result (valid, refreshed, skipped, failed)",
		}, []string{"outcome"}),
		TokensManaged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamhue_tokens_managed",
			Help: "Number of user tokens currently managed",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamhue_sessions_active",
			Help: "Number of EventSub session engines running",
		}),
		SessionsHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamhue_sessions_healthy",
			Help: "Number of session engines currently healthy",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhue_session_reconnects_total",
			Help: "Session reconnects by trigger (stale, server_directed, error, supervisor)",
		}, []string{"trigger"}),
		MessagesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhue_messages_dispatched_total",
			Help: "Chat notifications dispatched by handler (message, command)",
		}, []string{"handler"}),
	}
}
