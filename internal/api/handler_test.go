package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/breaker"
	"github.com/nidhogg/cyclops/internal/cycle"
	"github.com/nidhogg/cyclops/internal/metrics"
	"github.com/nidhogg/cyclops/internal/notify"
	"github.com/nidhogg/cyclops/internal/ratelimit"
	"github.com/nidhogg/cyclops/internal/state"
	"github.com/nidhogg/cyclops/internal/store"
)

type fakeHistory struct {
	recs []store.CycleRecord
	err  error
}

func (f *fakeHistory) RecentCycles(context.Context, string, int) ([]store.CycleRecord, error) {
	return f.recs, f.err
}

type fakeGraph struct{}

func (fakeGraph) SharedPatterns(context.Context, string) (map[string][]string, error) {
	return map[string][]string{"Data scan: x": {"other"}}, nil
}

func newEngine(t *testing.T, root, name string) *cycle.Engine {
	t.Helper()
	logger := zap.NewNop()
	sm, err := state.NewManager(state.Options{
		StateDir:   filepath.Join(root, name, "state"),
		ArchiveDir: filepath.Join(root, name, "archive"),
	}, state.FileStorage{}, logger)
	if err != nil {
		t.Fatalf("state manager: %v", err)
	}
	lim := ratelimit.New(ratelimit.Config{RequestsPerMinute: 10000, RequestsPerHour: 100000}, logger)
	cb := breaker.New(breaker.Config{Name: name}, logger)
	e := cycle.NewEngine(cycle.Options{Name: name, UseBreaker: true}, lim, cb, sm, nil, logger)

	demo := cycle.NewDemoState()
	demo.Latency = 0
	cycle.RegisterDemo(e, demo)
	return e
}

// newTestHandler wires one engine that has already completed a demo run.
func newTestHandler(t *testing.T, opts ...Option) (*Handler, http.Handler) {
	t.Helper()
	e := newEngine(t, t.TempDir(), "main")
	if _, err := e.Run(context.Background(), 5, "feature/api"); err != nil {
		t.Fatalf("run: %v", err)
	}
	sup := cycle.NewSupervisor(zap.NewNop())
	if err := sup.Add("main", e, "feature/api", 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	h := NewHandler(sup, zap.NewNop(), opts...)
	return h, h.Router()
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatus(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/status")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap struct {
		Name      string `json:"name"`
		Running   bool   `json:"running"`
		Completed int    `json:"completed_cycles"`
		Breaker   struct {
			State string `json:"state"`
		} `json:"breaker"`
	}
	decodeJSON(t, resp, &snap)
	if snap.Name != "main" || snap.Running {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Completed != 3 {
		t.Errorf("expected 3 completed cycles, got %d", snap.Completed)
	}
	if snap.Breaker.State != "CLOSED" {
		t.Errorf("expected CLOSED breaker, got %q", snap.Breaker.State)
	}
}

func TestUnknownEngine(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/status?engine=nope")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProgressAndBranch(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	var progress state.Progress
	decodeJSON(t, getJSON(t, ts, "/api/progress"), &progress)
	if len(progress.Cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(progress.Cycles))
	}
	if len(progress.Patterns) != 3 {
		t.Errorf("expected 3 patterns, got %d", len(progress.Patterns))
	}

	var marker state.BranchMarker
	decodeJSON(t, getJSON(t, ts, "/api/branch"), &marker)
	if marker.Branch != "feature/api" {
		t.Errorf("expected branch feature/api, got %q", marker.Branch)
	}

	var archives []state.Archive
	decodeJSON(t, getJSON(t, ts, "/api/archives"), &archives)
	if len(archives) != 0 {
		t.Errorf("expected no archives, got %d", len(archives))
	}
}

func TestListEngines(t *testing.T) {
	root := t.TempDir()
	sup := cycle.NewSupervisor(zap.NewNop())
	for _, name := range []string{"beta", "alpha"} {
		if err := sup.Add(name, newEngine(t, root, name), "main", 1); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	ts := httptest.NewServer(NewHandler(sup, zap.NewNop()).Router())
	defer ts.Close()

	var snaps []cycle.Snapshot
	decodeJSON(t, getJSON(t, ts, "/api/engines"), &snaps)
	if len(snaps) != 2 || snaps[0].Name != "alpha" {
		t.Fatalf("expected sorted engines, got %+v", snaps)
	}

	// More than one engine and no "main": a name is required.
	resp := getJSON(t, ts, "/api/status")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 without engine name, got %d", resp.StatusCode)
	}
	resp = getJSON(t, ts, "/api/status?engine=beta")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200 for beta, got %d", resp.StatusCode)
	}
}

func TestStop(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/stop: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["was_running"] != false {
		t.Errorf("idle engine reported running: %v", body)
	}
}

func TestHistory(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	resp := getJSON(t, ts, "/api/history")
	resp.Body.Close()
	ts.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503 without store, got %d", resp.StatusCode)
	}

	hist := &fakeHistory{recs: []store.CycleRecord{{RunID: "r1"}}}
	_, router = newTestHandler(t, WithHistory(hist))
	ts = httptest.NewServer(router)
	defer ts.Close()

	var recs []store.CycleRecord
	decodeJSON(t, getJSON(t, ts, "/api/history?branch=feature/api&limit=5"), &recs)
	if len(recs) != 1 || recs[0].RunID != "r1" {
		t.Errorf("unexpected history %+v", recs)
	}

	hist.err = errors.New("db down")
	resp = getJSON(t, ts, "/api/history")
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("expected 500 on store error, got %d", resp.StatusCode)
	}
}

func TestPatternsWithGraph(t *testing.T) {
	_, router := newTestHandler(t, WithPatternGraph(fakeGraph{}))
	ts := httptest.NewServer(router)
	defer ts.Close()

	var body struct {
		Patterns []string            `json:"patterns"`
		Shared   map[string][]string `json:"shared"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/patterns"), &body)
	if len(body.Patterns) != 3 {
		t.Errorf("expected 3 patterns, got %d", len(body.Patterns))
	}
	if got := body.Shared["Data scan: x"]; len(got) != 1 || got[0] != "other" {
		t.Errorf("unexpected shared patterns %v", body.Shared)
	}
}

func TestNotificationsAndMetrics(t *testing.T) {
	hub := notify.NewHub(0, zap.NewNop())
	hub.Send(context.Background(), &notify.Notice{Title: "Run started"})
	sink := metrics.NewSink()
	_, router := newTestHandler(t, WithNotifications(hub), WithMetrics(sink.Handler()))
	ts := httptest.NewServer(router)
	defer ts.Close()

	var recs []notify.Record
	decodeJSON(t, getJSON(t, ts, "/api/notifications"), &recs)
	if len(recs) != 1 || recs[0].Notice.Title != "Run started" {
		t.Errorf("unexpected notifications %+v", recs)
	}

	resp := getJSON(t, ts, "/metrics")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}
