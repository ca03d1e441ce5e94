// Package breaker is a three-state circuit breaker.
//
// Callers use it through a check-then-execute-then-report protocol: Allow
// asks whether a call may proceed, the caller runs its own (possibly
// blocking) work, then reports the outcome with RecordSuccess or
// RecordFailure. Call wraps the same protocol for synchronous functions.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned while the breaker rejects calls without running them.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config holds breaker thresholds. Zero values take defaults.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one unit of work at a time.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	state       State
	failures    int
	lastFailure time.Time
	trial       bool // a half-open trial is in flight
	onChange    StateChangeFunc
	mu          sync.Mutex
	logger      *zap.Logger

	now func() time.Time
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		state:            Closed,
		logger:           logger,
		now:              time.Now,
	}
}

// OnStateChange registers a transition observer. It runs outside the lock.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Once the recovery timeout has
// elapsed since the last failure an open breaker moves to half-open and
// admits exactly one trial; every other call while open gets ErrOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var change func()
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		change = b.transitionLocked(HalfOpen)
		b.trial = true
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trial = true
	}
	b.mu.Unlock()

	if change != nil {
		change()
	}
	return nil
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.trial = false
	change := b.transitionLocked(Closed)
	b.mu.Unlock()

	if change != nil {
		change()
	}
}

// RecordFailure counts a failure. The breaker opens when the count reaches
// the threshold or when a half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()

	var change func()
	if b.state == HalfOpen || b.failures >= b.failureThreshold {
		change = b.transitionLocked(Open)
	}
	b.trial = false
	b.mu.Unlock()

	if change != nil {
		change()
	}
}

// Call runs fn through the breaker. An error from fn is recorded as a
// failure and returned unchanged.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// transitionLocked moves to the target state and returns the deferred
// observer call, or nil when nothing changed.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	fields := []zap.Field{
		zap.String("breaker", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures),
	}
	if to == Open {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker transition", fields...)
	}

	fn := b.onChange
	if fn == nil {
		return nil
	}
	name := b.name
	return func() { fn(name, from, to) }
}

// Stats is a snapshot of breaker bookkeeping.
type Stats struct {
	Name        string     `json:"name"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	Threshold   int        `json:"threshold"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Stats returns the current bookkeeping.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:      b.name,
		State:     b.state,
		Failures:  b.failures,
		Threshold: b.failureThreshold,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	return s
}
