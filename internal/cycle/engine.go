// Package cycle drives the phase sequence data_scan → idea → edit →
// validate → report until a completion predicate holds or the iteration
// budget runs out.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/breaker"
	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/ratelimit"
	"github.com/nidhogg/cyclops/internal/state"
)

var (
	ErrMissingHandler = errors.New("no handler registered for phase")
	ErrAlreadyRunning = errors.New("engine is already running")
)

const (
	defaultName             = "main"
	defaultBranch           = "main"
	defaultMaxIterations    = 10
	defaultCompletionCycles = 3
)

// Handler executes one phase. Earlier phase payloads are available through
// cs.Result. A returned error fails the whole cycle.
type Handler func(ctx context.Context, cs *State, phase Phase) (any, error)

// Predicate decides, after a successful cycle, whether the run is done.
type Predicate func(ctx context.Context, e *Engine) bool

// Options configures an Engine. Zero values take defaults; a zero Delay
// means no pause between cycles.
type Options struct {
	Name             string
	MaxIterations    int
	Delay            time.Duration
	CompletionCycles int
	UseBreaker       bool
	// TracerProvider receives the run, cycle and phase spans. Nil uses the
	// global provider.
	TracerProvider trace.TracerProvider
}

// Engine runs cycles. One goroutine drives a run; Snapshot and Stop are
// safe from others.
type Engine struct {
	opts       Options
	handlers   map[Phase]Handler
	completion Predicate

	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	state   *state.Manager
	bus     *events.Bus
	tracer  trace.Tracer
	logger  *zap.Logger

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	runID     string
	branch    string
	current   *State
	completed int
	cyclesRun int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine. bus may be nil.
func NewEngine(opts Options, limiter *ratelimit.Limiter, cb *breaker.Breaker, sm *state.Manager, bus *events.Bus, logger *zap.Logger) *Engine {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.CompletionCycles <= 0 {
		opts.CompletionCycles = defaultCompletionCycles
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	e := &Engine{
		opts:     opts,
		handlers: make(map[Phase]Handler),
		limiter:  limiter,
		breaker:  cb,
		state:    sm,
		bus:      bus,
		tracer:   tp.Tracer("github.com/nidhogg/cyclops/internal/cycle"),
		logger:   logger.With(zap.String("engine", opts.Name)),
		now:      time.Now,
		sleep:    sleepContext,
	}
	e.completion = defaultCompletion

	if limiter != nil {
		limiter.OnWait(func(wait time.Duration) {
			e.publish(context.Background(), &events.Event{
				Kind:   events.RateLimitWait,
				Fields: map[string]any{"wait_seconds": wait.Seconds()},
			})
		})
	}
	if cb != nil {
		cb.OnStateChange(func(name string, from, to breaker.State) {
			e.publish(context.Background(), &events.Event{
				Kind:    events.BreakerTransition,
				Message: fmt.Sprintf("%s: %s -> %s", name, from, to),
				Fields:  map[string]any{"breaker": name, "from": from.String(), "to": to.String()},
			})
		})
	}
	return e
}

// Handle registers the handler for phase, replacing any earlier one.
func (e *Engine) Handle(phase Phase, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[phase] = h
}

// SetCompletion replaces the completion predicate.
func (e *Engine) SetCompletion(p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completion = p
}

// Name returns the engine name.
func (e *Engine) Name() string { return e.opts.Name }

// StateManager exposes the engine's state manager to handlers.
func (e *Engine) StateManager() *state.Manager { return e.state }

// CompletedCycles counts successful cycles in the current run.
func (e *Engine) CompletedCycles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completed
}

// CyclesRun counts attempted cycles in the current run.
func (e *Engine) CyclesRun() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cyclesRun
}

func (e *Engine) validate() error {
	if e.limiter == nil || e.state == nil {
		return errors.New("engine requires a rate limiter and a state manager")
	}
	if e.opts.UseBreaker && e.breaker == nil {
		return errors.New("engine configured to use a circuit breaker but none was given")
	}
	for _, p := range phaseOrder {
		if e.handlers[p] == nil {
			return fmt.Errorf("%w: %s", ErrMissingHandler, p)
		}
	}
	return nil
}

// Run archives the previous branch if it differs, then executes cycles
// until the completion predicate holds (true) or maxIterations cycles have
// run (false). maxIterations <= 0 uses the configured default. Errors are
// returned only for misconfiguration, state directory write failures
// before the first cycle, and cancellation.
func (e *Engine) Run(ctx context.Context, maxIterations int, branch string) (bool, error) {
	if maxIterations <= 0 {
		maxIterations = e.opts.MaxIterations
	}
	if branch == "" {
		branch = defaultBranch
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false, ErrAlreadyRunning
	}
	if err := e.validate(); err != nil {
		e.mu.Unlock()
		return false, err
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.runID = uuid.New().String()
	e.branch = branch
	e.completed = 0
	e.cyclesRun = 0
	e.current = nil
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "cycle.Run", trace.WithAttributes(
		attribute.String("engine", e.opts.Name),
		attribute.String("branch", branch),
		attribute.Int("max_iterations", maxIterations),
	))
	defer span.End()

	previous, _ := e.state.CurrentBranch()
	folder, err := e.state.ArchiveCurrentState(branch)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("archive state: %w", err)
	}
	if folder != "" {
		e.publish(ctx, &events.Event{
			Kind:    events.BranchArchived,
			Message: folder,
			Fields:  map[string]any{"folder": folder, "from": previous, "to": branch},
		})
	}
	if err := e.state.SetCurrentBranch(branch); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("set branch: %w", err)
	}

	e.logger.Info("run started",
		zap.String("branch", branch),
		zap.Int("max_iterations", maxIterations))
	e.publish(ctx, &events.Event{
		Kind:   events.RunStarted,
		Fields: map[string]any{"max_iterations": maxIterations},
	})

	for i := 1; i <= maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return false, e.stopped(ctx, span, err)
		}

		if e.runCycle(ctx, i) {
			e.logger.Info("run completed", zap.Int("cycles", i))
			span.SetAttributes(attribute.Bool("completed", true))
			e.publish(ctx, &events.Event{
				Kind:   events.RunFinished,
				Fields: map[string]any{"completed": true, "cycles": i},
			})
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, e.stopped(ctx, span, err)
		}

		if i == maxIterations {
			break
		}
		if err := e.sleep(ctx, e.opts.Delay); err != nil {
			return false, e.stopped(ctx, span, err)
		}
	}

	e.logger.Warn("max iterations reached without completion",
		zap.Int("max_iterations", maxIterations))
	span.SetAttributes(attribute.Bool("completed", false))
	e.publish(ctx, &events.Event{
		Kind:   events.RunFinished,
		Fields: map[string]any{"completed": false, "cycles": maxIterations},
	})
	return false, nil
}

func (e *Engine) stopped(ctx context.Context, span trace.Span, err error) error {
	e.logger.Info("run stopped", zap.Error(err))
	span.SetStatus(codes.Error, err.Error())
	e.publish(ctx, &events.Event{
		Kind:    events.RunFinished,
		Message: err.Error(),
		Fields:  map[string]any{"completed": false, "stopped": true},
	})
	return err
}

// Stop cancels a running Run. It is a no-op when idle.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// runCycle executes one cycle, persists its result and reports whether the
// run is complete.
func (e *Engine) runCycle(ctx context.Context, n int) bool {
	cs := newState(n, e.currentBranch(), e.now())
	e.mu.Lock()
	e.current = cs
	e.cyclesRun++
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "cycle.runCycle", trace.WithAttributes(
		attribute.String("cycle_id", cs.ID),
		attribute.Int("cycle", n),
	))
	defer span.End()

	e.logger.Info("cycle started", zap.String("cycle_id", cs.ID), zap.Int("cycle", n))
	e.publish(ctx, e.cycleEvent(events.CycleStarted, cs))

	for _, phase := range phaseOrder {
		if err := e.runPhase(ctx, cs, phase); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.failCycle(ctx, cs, phase, err)
			return false
		}
	}

	end := e.now()
	e.mu.Lock()
	cs.EndedAt = &end
	cs.CurrentPhase = PhaseComplete
	cs.Success = true
	e.mu.Unlock()

	completed := cs.completedPhases()
	learnings := make([]string, len(completed))
	for i, p := range completed {
		learnings[i] = fmt.Sprintf("phase %s executed successfully", p)
	}
	result := state.CycleResult{
		CycleID:         cs.ID,
		Branch:          cs.Branch,
		StartedAt:       cs.StartedAt,
		DurationSeconds: end.Sub(cs.StartedAt).Seconds(),
		PhasesCompleted: phaseNames(completed),
		Success:         true,
		Output:          cs.output(),
		Learnings:       learnings,
	}
	e.persist(result)

	e.mu.Lock()
	e.completed++
	pred := e.completion
	e.mu.Unlock()

	e.logger.Info("cycle completed",
		zap.String("cycle_id", cs.ID),
		zap.Float64("duration_seconds", result.DurationSeconds))
	ev := e.cycleEvent(events.CycleCompleted, cs)
	ev.Result = &result
	e.publish(ctx, ev)

	return pred(ctx, e)
}

func (e *Engine) runPhase(ctx context.Context, cs *State, phase Phase) (err error) {
	e.mu.Lock()
	cs.CurrentPhase = phase
	h := e.handlers[phase]
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "cycle.phase", trace.WithAttributes(
		attribute.String("phase", string(phase)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.logger.Debug("phase started", zap.String("cycle_id", cs.ID), zap.String("phase", string(phase)))
	ev := e.cycleEvent(events.PhaseStarted, cs)
	ev.Phase = string(phase)
	e.publish(ctx, ev)

	if err := e.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire rate limit: %w", err)
	}
	if e.opts.UseBreaker {
		if err := e.breaker.Allow(); err != nil {
			return err
		}
	}

	start := e.now()
	out, err := h(ctx, cs, phase)
	if err != nil {
		if e.opts.UseBreaker {
			e.breaker.RecordFailure()
		}
		if errors.Is(err, ratelimit.ErrThrottled) {
			e.limiter.ReportThrottled()
		}
		return err
	}
	if e.opts.UseBreaker {
		e.breaker.RecordSuccess()
	}
	e.limiter.ReportSuccess()

	if err := cs.store(phase, out); err != nil {
		return err
	}

	elapsed := e.now().Sub(start)
	e.logger.Debug("phase completed",
		zap.String("cycle_id", cs.ID),
		zap.String("phase", string(phase)),
		zap.Duration("elapsed", elapsed))
	ev = e.cycleEvent(events.PhaseCompleted, cs)
	ev.Phase = string(phase)
	ev.Fields = map[string]any{"duration_ms": elapsed.Milliseconds()}
	e.publish(ctx, ev)
	return nil
}

func (e *Engine) failCycle(ctx context.Context, cs *State, phase Phase, err error) {
	end := e.now()
	msg := fmt.Sprintf("%s: %v", phase, err)
	cs.EndedAt = &end
	cs.Success = false
	cs.Error = msg

	result := state.CycleResult{
		CycleID:         cs.ID,
		Branch:          cs.Branch,
		StartedAt:       cs.StartedAt,
		DurationSeconds: end.Sub(cs.StartedAt).Seconds(),
		PhasesCompleted: []string{},
		Success:         false,
		Output:          "cycle failed: " + msg,
		Learnings:       []string{"error in " + msg},
		Error:           msg,
	}
	e.persist(result)

	breakerOpen := errors.Is(err, breaker.ErrOpen)
	e.logger.Error("cycle failed",
		zap.String("cycle_id", cs.ID),
		zap.String("phase", string(phase)),
		zap.Bool("breaker_open", breakerOpen),
		zap.Error(err))
	ev := e.cycleEvent(events.CycleFailed, cs)
	ev.Phase = string(phase)
	ev.Message = msg
	ev.Result = &result
	ev.Fields = map[string]any{"breaker_open": breakerOpen}
	e.publish(ctx, ev)
}

// persist appends a result. A write failure is logged; the run goes on.
func (e *Engine) persist(result state.CycleResult) {
	if err := e.state.AddCycleResult(result); err != nil {
		e.logger.Error("persist cycle result", zap.String("cycle_id", result.CycleID), zap.Error(err))
	}
}

// RecordPattern adds a learned pattern to the progress document and
// announces it when it is new.
func (e *Engine) RecordPattern(ctx context.Context, pattern string) (bool, error) {
	added, err := e.state.AddPattern(pattern)
	if err != nil {
		return false, fmt.Errorf("record pattern: %w", err)
	}
	if added {
		e.publish(ctx, &events.Event{Kind: events.PatternDiscovered, Message: pattern})
	}
	return added, nil
}

func defaultCompletion(_ context.Context, e *Engine) bool {
	if e.CompletedCycles() >= e.opts.CompletionCycles {
		return true
	}
	last, ok := e.state.LoadProgress().LastCycle()
	return ok && last.Success && strings.Contains(last.Output, CompletionSignal)
}

// Snapshot is a point-in-time view of an engine.
type Snapshot struct {
	Name       string            `json:"name"`
	RunID      string            `json:"run_id,omitempty"`
	Running    bool              `json:"running"`
	Branch     string            `json:"branch,omitempty"`
	Cycle      int               `json:"cycle"`
	CycleID    string            `json:"cycle_id,omitempty"`
	Phase      Phase             `json:"phase,omitempty"`
	Completed  int               `json:"completed_cycles"`
	CyclesRun  int               `json:"cycles_run"`
	UseBreaker bool              `json:"use_breaker"`
	Breaker    *breaker.Stats    `json:"breaker,omitempty"`
	Limiter    *ratelimit.Status `json:"limiter,omitempty"`
}

// Snapshot reports the engine's current position.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	s := Snapshot{
		Name:       e.opts.Name,
		RunID:      e.runID,
		Running:    e.running,
		Branch:     e.branch,
		Completed:  e.completed,
		CyclesRun:  e.cyclesRun,
		UseBreaker: e.opts.UseBreaker,
	}
	if e.current != nil {
		s.Cycle = e.current.Number
		s.CycleID = e.current.ID
		s.Phase = e.current.CurrentPhase
	}
	e.mu.RUnlock()

	if e.breaker != nil {
		stats := e.breaker.Stats()
		s.Breaker = &stats
	}
	if e.limiter != nil {
		status := e.limiter.Status()
		s.Limiter = &status
	}
	return s
}

func (e *Engine) currentBranch() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.branch
}

func (e *Engine) cycleEvent(kind events.Kind, cs *State) *events.Event {
	return &events.Event{
		Kind:    kind,
		Cycle:   cs.Number,
		CycleID: cs.ID,
	}
}

func (e *Engine) publish(ctx context.Context, ev *events.Event) {
	if e.bus == nil {
		return
	}
	e.mu.RLock()
	ev.Engine = e.opts.Name
	ev.RunID = e.runID
	ev.Branch = e.branch
	e.mu.RUnlock()
	e.bus.Publish(ctx, ev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
