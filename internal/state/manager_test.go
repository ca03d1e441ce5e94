package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(Options{
		StateDir:   filepath.Join(root, "state"),
		ArchiveDir: filepath.Join(root, "archive"),
	}, FileStorage{}, zap.NewNop())
	require.NoError(t, err)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestNewManagerCreatesDirs(t *testing.T) {
	m := newTestManager(t)
	assert.DirExists(t, m.StateDir())
	assert.DirExists(t, m.ArchiveDir())
}

func TestBranchMarker(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.CurrentBranch()
	assert.False(t, ok)
	assert.False(t, m.ShouldArchive("main"), "no marker, nothing to archive")

	require.NoError(t, m.SetCurrentBranch("feature/x"))
	branch, ok := m.CurrentBranch()
	require.True(t, ok)
	assert.Equal(t, "feature/x", branch)

	marker, ok := m.Marker()
	require.True(t, ok)
	assert.Equal(t, fixedNow, marker.Timestamp.UTC())

	assert.False(t, m.ShouldArchive("feature/x"))
	assert.True(t, m.ShouldArchive("main"))
}

func TestCorruptMarkerCountsAsUnset(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.branchPath, []byte("{not json"), 0o644))

	_, ok := m.CurrentBranch()
	assert.False(t, ok)
}

func TestLoadProgressFallsBackOnMissingAndCorrupt(t *testing.T) {
	m := newTestManager(t)

	p := m.LoadProgress()
	assert.Empty(t, p.Cycles)
	assert.Empty(t, p.Patterns)
	assert.Equal(t, fixedNow, p.StartTime)

	require.NoError(t, os.WriteFile(m.progressPath, []byte("garbage"), 0o644))
	p = m.LoadProgress()
	assert.NotNil(t, p.Cycles)
	assert.Empty(t, p.Cycles)
}

func TestLoadProgressAcceptsSessionStart(t *testing.T) {
	m := newTestManager(t)
	doc := `{"cycles":[],"patterns":["p1"],"session_start":"2026-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(m.progressPath, []byte(doc), 0o644))

	p := m.LoadProgress()
	assert.Equal(t, []string{"p1"}, p.Patterns)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.StartTime.UTC())
}

func TestAddPatternIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	added, err := m.AddPattern("Data scan: async handlers")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = m.AddPattern("Data scan: async handlers")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = m.AddPattern("second")
	require.NoError(t, err)
	assert.Equal(t, []string{"Data scan: async handlers", "second"}, m.LoadProgress().Patterns)
}

func TestAddCycleResultAppendsInOrder(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.AddCycleResult(CycleResult{CycleID: "cycle_1", Success: true,
		PhasesCompleted: []string{"data_scan", "idea"}}))
	require.NoError(t, m.AddCycleResult(CycleResult{CycleID: "cycle_2", Success: false}))

	p := m.LoadProgress()
	require.Len(t, p.Cycles, 2)
	assert.Equal(t, "cycle_1", p.Cycles[0].CycleID)
	assert.Equal(t, "cycle_2", p.Cycles[1].CycleID)

	last, ok := p.LastCycle()
	require.True(t, ok)
	assert.False(t, last.Success)

	// Failed results still serialize empty lists, not null.
	raw, err := os.ReadFile(m.progressPath)
	require.NoError(t, err)
	var doc struct {
		Cycles []map[string]any `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []any{}, doc.Cycles[1]["phases_completed"])
	assert.Equal(t, []any{}, doc.Cycles[1]["learnings"])
}

func TestArchiveOnBranchChange(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetCurrentBranch("strategy/momentum"))
	require.NoError(t, m.AddCycleResult(CycleResult{CycleID: "cycle_1", Success: true}))
	require.NoError(t, m.SaveDocument("prd.json", map[string]string{"goal": "ship"}))

	folder, err := m.ArchiveCurrentState("strategy/scalper")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.ArchiveDir(), "2026-10-17-strategy-momentum"), folder)
	assert.FileExists(t, filepath.Join(folder, "progress.json"))
	assert.FileExists(t, filepath.Join(folder, "prd.json"))

	archived, err := os.ReadFile(filepath.Join(folder, "progress.json"))
	require.NoError(t, err)
	live, err := os.ReadFile(m.progressPath)
	require.NoError(t, err)
	assert.Equal(t, live, archived, "archive is a verbatim copy")

	branch, _ := m.CurrentBranch()
	assert.Equal(t, "strategy/scalper", branch)

	// Same transition again is a no-op.
	folder, err = m.ArchiveCurrentState("strategy/scalper")
	require.NoError(t, err)
	assert.Empty(t, folder)

	archives, err := m.ListArchives()
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.ElementsMatch(t, []string{"progress.json", "prd.json"}, archives[0].Files)
}

func TestArchiveNoopForSameBranch(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetCurrentBranch("main"))
	before, _ := m.Marker()

	folder, err := m.ArchiveCurrentState("main")
	require.NoError(t, err)
	assert.Empty(t, folder)

	after, _ := m.Marker()
	assert.Equal(t, before, after)
	archives, err := m.ListArchives()
	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestArchiveNoopWithoutMarker(t *testing.T) {
	m := newTestManager(t)
	folder, err := m.ArchiveCurrentState("main")
	require.NoError(t, err)
	assert.Empty(t, folder)
	_, ok := m.CurrentBranch()
	assert.False(t, ok, "archive does not create the first marker")
}

func TestDocuments(t *testing.T) {
	m := newTestManager(t)
	var v map[string]int
	assert.False(t, m.LoadDocument("missing.json", &v))

	require.NoError(t, m.SaveDocument("aux.json", map[string]int{"n": 3}))
	require.True(t, m.LoadDocument("aux.json", &v))
	assert.Equal(t, 3, v["n"])
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "feature-a-b", SanitizeBranch("feature/a/b"))
	assert.Equal(t, "main", SanitizeBranch("main"))
}
