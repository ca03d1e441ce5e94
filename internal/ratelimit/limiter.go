// Package ratelimit implements the token-bucket limiter that gates every
// phase call the cycle engine makes against the downstream service.
//
// Two buckets run side by side, one per minute and one per hour. Both are
// refilled lazily from wall-clock time on every Acquire; there is no
// background goroutine. A single backoff multiplier scales computed waits
// and remembers sustained pressure across calls: it grows on throttling
// feedback or high request frequency and decays on success.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrWaitTimeout is returned when an acquisition would exceed Config.MaxWait.
	ErrWaitTimeout = errors.New("rate limit wait exceeded")
	// ErrThrottled marks a downstream rejection caused by load (HTTP 429, 5xx).
	// Handlers wrap it so the engine can feed the limiter's backoff.
	ErrThrottled = errors.New("downstream throttled")
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	frequentRequests = 10
	frequentBackoff  = 2.0
	backoffGrowth    = 1.5
	backoffDecay     = 0.9

	defaultRequestsPerMinute = 60
	defaultRequestsPerHour   = 1000
	defaultMaxBackoff        = 10.0
)

// Config holds the limiter thresholds. Zero values take defaults.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	// MaxWait bounds a single Acquire. Zero means unbounded.
	MaxWait    time.Duration
	MaxBackoff float64
}

type bucket struct {
	capacity float64
	level    float64
	window   time.Duration
}

func newBucket(capacity int, window time.Duration) bucket {
	return bucket{capacity: float64(capacity), level: float64(capacity), window: window}
}

func (b *bucket) refill(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	b.level = math.Min(b.capacity, b.level+b.capacity*elapsed.Seconds()/b.window.Seconds())
}

// untilFull is zero while a token is available, otherwise the time for the
// whole window to refill from the current level.
func (b *bucket) untilFull() time.Duration {
	if b.level >= 1 {
		return 0
	}
	deficit := (b.capacity - b.level) / b.capacity
	return time.Duration(deficit * float64(b.window))
}

func (b *bucket) take() {
	b.level = math.Max(0, b.level-1)
}

// Limiter is a two-window token bucket with adaptive backoff.
type Limiter struct {
	minute     bucket
	hour       bucket
	lastRefill time.Time
	history    []time.Time
	backoff    float64
	maxBackoff float64
	maxWait    time.Duration
	waits      int
	onWait     func(time.Duration)
	mu         sync.Mutex
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with full buckets.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = defaultRequestsPerHour
	}
	if cfg.MaxBackoff < 1 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Limiter{
		minute:     newBucket(cfg.RequestsPerMinute, minuteWindow),
		hour:       newBucket(cfg.RequestsPerHour, hourWindow),
		lastRefill: time.Now(),
		backoff:    1.0,
		maxBackoff: cfg.MaxBackoff,
		maxWait:    cfg.MaxWait,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// OnWait registers a hook called before every suspending wait.
func (l *Limiter) OnWait(fn func(time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWait = fn
}

// Acquire blocks until both windows have a token, then consumes one from
// each. It returns ctx.Err() on cancellation and ErrWaitTimeout when the
// configured MaxWait would be exceeded.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, hook := l.reserve()
		if wait == 0 {
			return nil
		}
		if l.maxWait > 0 && l.now().Sub(start)+wait > l.maxWait {
			return fmt.Errorf("%w: need %s, max %s", ErrWaitTimeout, wait.Round(time.Millisecond), l.maxWait)
		}

		l.logger.Info("rate limiting",
			zap.Duration("wait", wait),
			zap.Float64("backoff", l.Backoff()))
		if hook != nil {
			hook(wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve consumes a token and returns zero, or returns the backoff-scaled
// wait required before a token can be taken.
func (l *Limiter) reserve() (time.Duration, func(time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)
	l.pruneLocked(now)

	if l.recentLocked(now) >= frequentRequests && l.backoff < frequentBackoff {
		l.backoff = math.Min(l.maxBackoff, frequentBackoff)
		l.logger.Warn("high request frequency, applying backoff",
			zap.Float64("backoff", l.backoff))
	}

	wait := l.minute.untilFull()
	if w := l.hour.untilFull(); w > wait {
		wait = w
	}
	if wait == 0 {
		l.minute.take()
		l.hour.take()
		l.history = append(l.history, now)
		return 0, nil
	}

	l.waits++
	return time.Duration(float64(wait) * l.backoff), l.onWait
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.minute.refill(elapsed)
	l.hour.refill(elapsed)
	l.lastRefill = now
}

// pruneLocked drops history older than the hour window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	l.history = l.history[i:]
}

func (l *Limiter) recentLocked(now time.Time) int {
	cutoff := now.Add(-minuteWindow)
	n := 0
	for j := len(l.history) - 1; j >= 0 && l.history[j].After(cutoff); j-- {
		n++
	}
	return n
}

// ReportThrottled grows the backoff multiplier after a load-related rejection.
func (l *Limiter) ReportThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoff = math.Min(l.maxBackoff, l.backoff*backoffGrowth)
	l.logger.Warn("backoff increased", zap.Float64("backoff", l.backoff))
}

// ReportSuccess decays the backoff multiplier toward 1.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backoff <= 1.0 {
		return
	}
	l.backoff = math.Max(1.0, l.backoff*backoffDecay)
	l.logger.Debug("backoff decreased", zap.Float64("backoff", l.backoff))
}

// ReportRejected resets backoff after a client-side error; load was not the cause.
func (l *Limiter) ReportRejected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoff = 1.0
}

// Backoff returns the current multiplier.
func (l *Limiter) Backoff() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

// BucketStatus describes one window.
type BucketStatus struct {
	Available float64 `json:"available"`
	Limit     float64 `json:"limit"`
	Usage     float64 `json:"usage_percent"`
}

// Status is a point-in-time view of the limiter.
type Status struct {
	Minute         BucketStatus `json:"minute"`
	Hour           BucketStatus `json:"hour"`
	Backoff        float64      `json:"backoff_multiplier"`
	RecentRequests int          `json:"recent_requests"`
	Waits          int          `json:"waits"`
}

// Status refills the buckets and reports their levels.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)
	l.pruneLocked(now)
	return Status{
		Minute:         bucketStatus(l.minute),
		Hour:           bucketStatus(l.hour),
		Backoff:        l.backoff,
		RecentRequests: l.recentLocked(now),
		Waits:          l.waits,
	}
}

func bucketStatus(b bucket) BucketStatus {
	return BucketStatus{
		Available: b.level,
		Limit:     b.capacity,
		Usage:     (b.capacity - b.level) / b.capacity * 100,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
