package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/state"
)

func publish(t *testing.T, s *Sink, ev *events.Event) {
	t.Helper()
	require.NoError(t, s.Publish(context.Background(), ev))
}

func TestCycleCounters(t *testing.T) {
	s := NewSink()
	publish(t, s, &events.Event{Kind: events.CycleCompleted, Engine: "main",
		Result: &state.CycleResult{DurationSeconds: 3}})
	publish(t, s, &events.Event{Kind: events.CycleCompleted, Engine: "main"})
	publish(t, s, &events.Event{Kind: events.CycleFailed, Engine: "main"})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.CyclesTotal.WithLabelValues("main", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.CyclesTotal.WithLabelValues("main", "failure")))
}

func TestBreakerGauge(t *testing.T) {
	s := NewSink()
	publish(t, s, &events.Event{Kind: events.BreakerTransition,
		Fields: map[string]any{"breaker": "api", "from": "CLOSED", "to": "OPEN"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.BreakerState.WithLabelValues("api")))

	publish(t, s, &events.Event{Kind: events.BreakerTransition,
		Fields: map[string]any{"breaker": "api", "from": "OPEN", "to": "HALF_OPEN"}})
	assert.Equal(t, 2.0, testutil.ToFloat64(s.BreakerState.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.BreakerTransitions.WithLabelValues("api", "OPEN")))
}

func TestRateLimitAndRunning(t *testing.T) {
	s := NewSink()
	publish(t, s, &events.Event{Kind: events.RunStarted, Engine: "e"})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Running.WithLabelValues("e")))

	publish(t, s, &events.Event{Kind: events.RateLimitWait, Engine: "e",
		Fields: map[string]any{"wait_seconds": 1.5}})
	publish(t, s, &events.Event{Kind: events.RateLimitWait, Engine: "e",
		Fields: map[string]any{"wait_seconds": 2.5}})
	assert.Equal(t, 2.0, testutil.ToFloat64(s.RateLimitWaits.WithLabelValues("e")))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.RateLimitWaitSeconds.WithLabelValues("e")))

	publish(t, s, &events.Event{Kind: events.PatternDiscovered, Engine: "e"})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.PatternsTotal.WithLabelValues("e")))

	publish(t, s, &events.Event{Kind: events.RunFinished, Engine: "e"})
	assert.Equal(t, 0.0, testutil.ToFloat64(s.Running.WithLabelValues("e")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	s := NewSink()
	publish(t, s, &events.Event{Kind: events.CycleFailed, Engine: "main"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cyclops_cycle_cycles_total{engine="main",result="failure"} 1`)
}
