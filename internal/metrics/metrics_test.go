package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

func TestMetrics_ObserveAction(t *testing.T) {
	m := New()

	m.ObserveAction("close", nil)
	m.ObserveAction("close", fmt.Errorf("lock: %w", ports.ErrConcurrentActionInProgress))
	m.ObserveAction("maintain", fmt.Errorf("PlaceOrder failed: %w", ports.ErrGatewayTimeout))
	m.ObserveAction("maintain", fmt.Errorf("check: %w", ports.ErrInsufficientCapital))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("close", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("close", ResultSkipped)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("maintain", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayErrors.WithLabelValues("timeout")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetStrengthLevel(domain.Short, domain.LevelStrong)
	m.SetOpenPositions(4)
	m.ObserveRefusal("open")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.strengthLevel.WithLabelValues("short")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refusals.WithLabelValues("open")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAction("close", nil)
		m.ObserveRefusal("open")
		m.SetStrengthLevel(domain.Long, domain.LevelMild)
		m.SetOpenPositions(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetOpenPositions(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anchorbot_open_positions 2")
}

func TestGatewayErrorKind(t *testing.T) {
	assert.Equal(t, "rate_limited", GatewayErrorKind(fmt.Errorf("x: %w", ports.ErrRateLimited)))
	assert.Equal(t, "rejected", GatewayErrorKind(fmt.Errorf("x: %w", ports.ErrGatewayRejected)))
	assert.Equal(t, "unconfirmed", GatewayErrorKind(ports.ErrUnconfirmedFill))
	assert.Equal(t, "", GatewayErrorKind(ports.ErrTierLimitReached))
}
