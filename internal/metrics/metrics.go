// Package metrics exports orchestrator events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nidhogg/cyclops/internal/events"
)

const namespace = "cyclops"

// Sink turns events into counters, histograms and gauges.
type Sink struct {
	registry *prometheus.Registry

	// CyclesTotal counts finished cycles.
	// Labels: engine, result (success, failure)
	CyclesTotal *prometheus.CounterVec
	// CycleDuration observes whole-cycle wall time.
	CycleDuration *prometheus.HistogramVec
	// PhaseDuration observes handler time per phase.
	PhaseDuration *prometheus.HistogramVec
	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts state changes by target state.
	BreakerTransitions *prometheus.CounterVec
	// RateLimitWaits counts suspending waits.
	RateLimitWaits *prometheus.CounterVec
	// RateLimitWaitSeconds sums time spent waiting.
	RateLimitWaitSeconds *prometheus.CounterVec
	// PatternsTotal counts newly discovered patterns.
	PatternsTotal *prometheus.CounterVec
	// Running is 1 while a run is in progress.
	Running *prometheus.GaugeVec
}

// NewSink registers the collectors on a fresh registry.
func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Sink{
		registry: reg,
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "cycles_total",
			Help:      "Finished cycles by result",
		}, []string{"engine", "result"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of a cycle in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"engine", "result"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "phase_duration_seconds",
			Help:      "Duration of a phase handler in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine", "phase"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"breaker", "to"}),
		RateLimitWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Suspending rate limit waits",
		}, []string{"engine"}),
		RateLimitWaitSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds_total",
			Help:      "Time spent waiting for rate limit tokens",
		}, []string{"engine"}),
		PatternsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "patterns_total",
			Help:      "Newly discovered patterns",
		}, []string{"engine"}),
		Running: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "running",
			Help:      "1 while a run is in progress",
		}, []string{"engine"}),
	}
}

func (s *Sink) Name() string { return "metrics" }

// Registry exposes the underlying registry.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

var breakerStates = map[string]float64{
	"CLOSED":    0,
	"OPEN":      1,
	"HALF_OPEN": 2,
}

func (s *Sink) Publish(_ context.Context, ev *events.Event) error {
	switch ev.Kind {
	case events.RunStarted:
		s.Running.WithLabelValues(ev.Engine).Set(1)
	case events.RunFinished:
		s.Running.WithLabelValues(ev.Engine).Set(0)
	case events.CycleCompleted, events.CycleFailed:
		result := "success"
		if ev.Kind == events.CycleFailed {
			result = "failure"
		}
		s.CyclesTotal.WithLabelValues(ev.Engine, result).Inc()
		if ev.Result != nil {
			s.CycleDuration.WithLabelValues(ev.Engine, result).Observe(ev.Result.DurationSeconds)
		}
	case events.PhaseCompleted:
		if ms, ok := number(ev.Fields["duration_ms"]); ok {
			s.PhaseDuration.WithLabelValues(ev.Engine, ev.Phase).Observe(ms / 1000)
		}
	case events.BreakerTransition:
		name, _ := ev.Fields["breaker"].(string)
		to, _ := ev.Fields["to"].(string)
		if v, ok := breakerStates[to]; ok {
			s.BreakerState.WithLabelValues(name).Set(v)
		}
		s.BreakerTransitions.WithLabelValues(name, to).Inc()
	case events.RateLimitWait:
		s.RateLimitWaits.WithLabelValues(ev.Engine).Inc()
		if secs, ok := number(ev.Fields["wait_seconds"]); ok {
			s.RateLimitWaitSeconds.WithLabelValues(ev.Engine).Add(secs)
		}
	case events.PatternDiscovered:
		s.PatternsTotal.WithLabelValues(ev.Engine).Inc()
	}
	return nil
}

// number accepts the numeric shapes event fields arrive in, both in
// process and after a JSON round trip.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
