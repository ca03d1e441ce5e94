package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// demoInsights are what the simulated scan "finds", in rotation.
var demoInsights = []string{
	"retry logic duplicated across handlers",
	"configuration parsed twice at startup",
	"result persistence on the hot path",
	"stale feature flags still evaluated",
}

// ScanReport is the data_scan payload.
type ScanReport struct {
	FilesScanned int      `json:"files_scanned"`
	Insights     []string `json:"insights"`
}

// Idea is the idea payload.
type Idea struct {
	Title     string `json:"title"`
	Priority  string `json:"priority"`
	Rationale string `json:"rationale"`
}

// EditReport is the edit payload.
type EditReport struct {
	Idea         string   `json:"idea"`
	FilesChanged []string `json:"files_changed"`
}

// Validation is the validate payload.
type Validation struct {
	TestsRun    int    `json:"tests_run"`
	TestsPassed int    `json:"tests_passed"`
	Status      string `json:"status"`
}

// Report is the report payload.
type Report struct {
	Quality float64 `json:"quality"`
	Status  string  `json:"status"`
}

// Requirements is the auxiliary document the demo edit phase maintains.
type Requirements struct {
	Branch    string    `json:"branch"`
	Goal      string    `json:"goal"`
	Cycle     string    `json:"cycle"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrDemoValidation is what the demo validator fails with.
var ErrDemoValidation = errors.New("simulated validation failure")

// DemoState is the per-instance state shared by the simulated handlers.
type DemoState struct {
	// Latency is how long each simulated phase takes.
	Latency time.Duration
	// QualityTarget is the report quality at which the run signals completion.
	QualityTarget float64
	// FailEvery fails every Nth validation. Zero never fails.
	FailEvery int
	// Document names the requirements document written by the edit phase.
	Document string

	mu          sync.Mutex
	scans       int
	validations int
	quality     float64
}

// NewDemoState returns demo settings that finish in a few cycles.
func NewDemoState() *DemoState {
	return &DemoState{
		Latency:       200 * time.Millisecond,
		QualityTarget: 9,
		Document:      "prd.json",
		quality:       5,
	}
}

// RegisterDemo installs simulated handlers for every phase on e.
func RegisterDemo(e *Engine, d *DemoState) {
	e.Handle(PhaseDataScan, d.scan(e))
	e.Handle(PhaseIdea, d.idea)
	e.Handle(PhaseEdit, d.edit(e))
	e.Handle(PhaseValidate, d.validate)
	e.Handle(PhaseReport, d.report)
}

func (d *DemoState) wait(ctx context.Context) error {
	return sleepContext(ctx, d.Latency)
}

func (d *DemoState) scan(e *Engine) Handler {
	return func(ctx context.Context, cs *State, _ Phase) (any, error) {
		if err := d.wait(ctx); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.scans++
		n := d.scans
		d.mu.Unlock()

		insight := demoInsights[(n-1)%len(demoInsights)]
		if _, err := e.RecordPattern(ctx, "Data scan: "+insight); err != nil {
			return nil, err
		}
		return ScanReport{FilesScanned: 10 + n, Insights: []string{insight}}, nil
	}
}

func (d *DemoState) idea(ctx context.Context, cs *State, _ Phase) (any, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	raw, ok := cs.Result(PhaseDataScan)
	scan, _ := raw.(ScanReport)
	if !ok || len(scan.Insights) == 0 {
		return nil, errors.New("no scan insights to act on")
	}
	return Idea{
		Title:     "address " + scan.Insights[0],
		Priority:  "high",
		Rationale: fmt.Sprintf("seen while scanning %d files", scan.FilesScanned),
	}, nil
}

func (d *DemoState) edit(e *Engine) Handler {
	return func(ctx context.Context, cs *State, _ Phase) (any, error) {
		if err := d.wait(ctx); err != nil {
			return nil, err
		}
		raw, _ := cs.Result(PhaseIdea)
		idea, ok := raw.(Idea)
		if !ok {
			return nil, errors.New("no idea selected")
		}
		if d.Document != "" {
			doc := Requirements{Branch: cs.Branch, Goal: idea.Title, Cycle: cs.ID, UpdatedAt: cs.StartedAt}
			if err := e.StateManager().SaveDocument(d.Document, doc); err != nil {
				return nil, err
			}
		}
		return EditReport{Idea: idea.Title, FilesChanged: []string{"internal/handlers.go"}}, nil
	}
}

func (d *DemoState) validate(ctx context.Context, _ *State, _ Phase) (any, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.validations++
	n := d.validations
	d.mu.Unlock()

	if d.FailEvery > 0 && n%d.FailEvery == 0 {
		return nil, fmt.Errorf("validation %d: %w", n, ErrDemoValidation)
	}
	return Validation{TestsRun: 42, TestsPassed: 42, Status: "PASSED"}, nil
}

func (d *DemoState) report(ctx context.Context, cs *State, _ Phase) (any, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	raw, _ := cs.Result(PhaseValidate)
	v, _ := raw.(Validation)

	d.mu.Lock()
	d.quality += 1.5
	q := d.quality
	d.mu.Unlock()

	r := Report{Quality: q, Status: v.Status}
	if v.Status == "PASSED" && d.QualityTarget > 0 && q >= d.QualityTarget {
		cs.Signal(CompletionSignal)
	}
	return r, nil
}
