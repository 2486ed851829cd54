// Package metrics exposes engine counters and gauges for Prometheus:
//
//	anchorbot_actions_total{action,result}  mutating actions by outcome (ok|error|skipped)
//	anchorbot_refusals_total{action}        refused or adjusted actions
//	anchorbot_strength_level{side}          current 0-5 strength level per side
//	anchorbot_open_positions                positions held in the store
//	anchorbot_gateway_errors_total{kind}    gateway failures by kind
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// Action results.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	actions       *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	strengthLevel *prometheus.GaugeVec
	openPositions prometheus.Gauge
	gatewayErrors *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorbot_actions_total",
				Help: "Mutating actions by action and result",
			},
			[]string{"action", "result"},
		),
		refusals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorbot_refusals_total",
				Help: "Refused or adjusted actions",
			},
			[]string{"action"},
		),
		strengthLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anchorbot_strength_level",
				Help: "Market strength level (0-5) per side",
			},
			[]string{"side"},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "anchorbot_open_positions",
				Help: "Open positions tracked in the store",
			},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchorbot_gateway_errors_total",
				Help: "Exchange gateway errors by kind",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(m.actions, m.refusals, m.strengthLevel, m.openPositions, m.gatewayErrors)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAction counts one action outcome. Lock contention counts as skipped,
// gateway failures are additionally counted by kind.
func (m *Metrics) ObserveAction(action string, err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.actions.WithLabelValues(action, ResultOK).Inc()
	case errors.Is(err, ports.ErrConcurrentActionInProgress):
		m.actions.WithLabelValues(action, ResultSkipped).Inc()
	default:
		m.actions.WithLabelValues(action, ResultError).Inc()
		if kind := GatewayErrorKind(err); kind != "" {
			m.gatewayErrors.WithLabelValues(kind).Inc()
		}
	}
}

// ObserveRefusal counts a refused or adjusted action.
func (m *Metrics) ObserveRefusal(action string) {
	if m == nil {
		return
	}
	m.refusals.WithLabelValues(action).Inc()
}

// SetStrengthLevel records the current level of side.
func (m *Metrics) SetStrengthLevel(side domain.Side, level domain.StrengthLevel) {
	if m == nil {
		return
	}
	m.strengthLevel.WithLabelValues(string(side)).Set(float64(level))
}

// SetOpenPositions records the number of open positions.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// GatewayErrorKind returns the label for gateway failures, "" for others.
func GatewayErrorKind(err error) string {
	switch {
	case errors.Is(err, ports.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, ports.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ports.ErrConnectionFailed):
		return "connection"
	case errors.Is(err, ports.ErrAuthenticationFailed):
		return "auth"
	case errors.Is(err, ports.ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, ports.ErrUnconfirmedFill):
		return "unconfirmed"
	}
	return ""
}
