// Package events carries orchestrator events to observers: metrics, the
// Redis stream, the Postgres and Neo4j mirrors, and chat notifiers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/state"
)

// Kind names an event.
type Kind string

const (
	RunStarted        Kind = "run_started"
	RunFinished       Kind = "run_finished"
	BranchArchived    Kind = "branch_archived"
	CycleStarted      Kind = "cycle_started"
	CycleCompleted    Kind = "cycle_completed"
	CycleFailed       Kind = "cycle_failed"
	PhaseStarted      Kind = "phase_started"
	PhaseCompleted    Kind = "phase_completed"
	BreakerTransition Kind = "breaker_transition"
	RateLimitWait     Kind = "rate_limit_wait"
	PatternDiscovered Kind = "pattern_discovered"
)

// Event is one observable orchestrator occurrence.
type Event struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	Engine    string             `json:"engine"`
	RunID     string             `json:"run_id,omitempty"`
	Branch    string             `json:"branch,omitempty"`
	Cycle     int                `json:"cycle,omitempty"`
	CycleID   string             `json:"cycle_id,omitempty"`
	Phase     string             `json:"phase,omitempty"`
	Message   string             `json:"message,omitempty"`
	Result    *state.CycleResult `json:"result,omitempty"`
	Fields    map[string]any     `json:"fields,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ArchivedBranch names the branch a BranchArchived event archived. The
// event's own Branch is the one the run moved to.
func (ev *Event) ArchivedBranch() string {
	if from, ok := ev.Fields["from"].(string); ok && from != "" {
		return from
	}
	return ev.Branch
}

// Sink consumes events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *Event) error

func (f SinkFunc) Name() string                                 { return "func" }
func (f SinkFunc) Publish(ctx context.Context, ev *Event) error { return f(ctx, ev) }

const defaultSinkTimeout = 5 * time.Second

// Bus fans events out to sinks. A failing sink is logged and never
// propagates into the publisher. A nil *Bus drops everything.
type Bus struct {
	sinks   []Sink
	timeout time.Duration
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{timeout: defaultSinkTimeout, logger: logger}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
	b.logger.Info("event sink subscribed", zap.String("sink", s.Name()))
}

// Publish stamps the event and delivers it to every sink in order.
func (b *Bus) Publish(ctx context.Context, ev *Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		if err := s.Publish(sctx, ev); err != nil {
			b.logger.Warn("event sink failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
		cancel()
	}
}
