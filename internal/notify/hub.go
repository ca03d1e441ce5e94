package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/cyclops/internal/events"
)

const defaultHistory = 100

// Record tracks a delivered notice.
type Record struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

// Hub turns orchestrator events into notices and fans them out to every
// registered notifier, throttled so a failing loop cannot flood a channel.
type Hub struct {
	notifiers map[string]Notifier
	limiter   *rate.Limiter
	history   []Record
	dropped   int
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewHub creates a hub that sends at most perMinute notices per minute.
// perMinute <= 0 disables throttling.
func NewHub(perMinute int, logger *zap.Logger) *Hub {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Hub{
		notifiers: make(map[string]Notifier),
		limiter:   lim,
		logger:    logger,
	}
}

// Register adds a notifier.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers[n.Platform()] = n
	h.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for p := range h.notifiers {
		names = append(names, p)
	}
	return names
}

func (h *Hub) Name() string { return "notify" }

// Publish sends a notice for the events worth a human's attention.
func (h *Hub) Publish(ctx context.Context, ev *events.Event) error {
	n, ok := noticeFor(ev)
	if !ok {
		return nil
	}
	return h.Send(ctx, n)
}

// Send delivers n to every notifier. Notices over the rate budget are
// dropped and counted.
func (h *Hub) Send(ctx context.Context, n *Notice) error {
	if !h.limiter.Allow() {
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("notice dropped by rate limit", zap.String("title", n.Title))
		return nil
	}

	h.mu.RLock()
	targets := make([]Notifier, 0, len(h.notifiers))
	for _, nt := range h.notifiers {
		targets = append(targets, nt)
	}
	h.mu.RUnlock()

	var sent []string
	var errs []error
	for _, nt := range targets {
		if err := nt.Notify(ctx, n); err != nil {
			h.logger.Error("notify failed",
				zap.String("platform", nt.Platform()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		sent = append(sent, nt.Platform())
	}

	h.mu.Lock()
	h.history = append(h.history, Record{Notice: n, SentAt: time.Now(), Targets: sent})
	if len(h.history) > defaultHistory {
		h.history = h.history[len(h.history)-defaultHistory:]
	}
	h.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("notify failed on %d platform(s): %w", len(errs), errs[0])
	}
	return nil
}

// History returns up to limit recent records, oldest first.
func (h *Hub) History(limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Record, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

// Dropped counts notices discarded by the rate budget.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func noticeFor(ev *events.Event) (*Notice, bool) {
	n := &Notice{Engine: ev.Engine, Branch: ev.Branch, At: ev.Timestamp, Level: LevelInfo}

	switch ev.Kind {
	case events.RunStarted:
		n.Title = "Run started"
		n.Text = fmt.Sprintf("%s started on %s", ev.Engine, ev.Branch)
	case events.RunFinished:
		completed, _ := ev.Fields["completed"].(bool)
		stopped, _ := ev.Fields["stopped"].(bool)
		switch {
		case completed:
			n.Title = "Run completed"
			n.Text = fmt.Sprintf("%s completed on %s", ev.Engine, ev.Branch)
		case stopped:
			n.Title = "Run stopped"
			n.Level = LevelWarning
			n.Text = ev.Message
		default:
			n.Title = "Run exhausted"
			n.Level = LevelWarning
			n.Text = fmt.Sprintf("%s reached max iterations without completing", ev.Engine)
		}
	case events.CycleFailed:
		n.Title = "Cycle failed"
		n.Level = LevelError
		n.Text = fmt.Sprintf("%s: %s", ev.CycleID, ev.Message)
	case events.BreakerTransition:
		to, _ := ev.Fields["to"].(string)
		if to != "OPEN" && to != "CLOSED" {
			return nil, false
		}
		n.Title = "Circuit breaker " + to
		n.Text = ev.Message
		if to == "OPEN" {
			n.Level = LevelError
		}
	case events.BranchArchived:
		n.Title = "Branch archived"
		n.Branch = ev.ArchivedBranch()
		n.Text = fmt.Sprintf("%s -> %s: %s", n.Branch, ev.Branch, ev.Message)
	default:
		return nil, false
	}
	return n, true
}
