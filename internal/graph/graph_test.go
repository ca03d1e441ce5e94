package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/state"
)

func TestStatementForPattern(t *testing.T) {
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	cypher, params, ok := statement(&events.Event{
		Kind:      events.PatternDiscovered,
		Engine:    "main",
		Branch:    "feature/x",
		Message:   "Data scan: slow path",
		Timestamp: at,
	})
	require.True(t, ok)
	assert.Contains(t, cypher, "MERGE (b)-[r:DISCOVERED]->(p)")
	assert.Equal(t, "feature/x", params["branch"])
	assert.Equal(t, "Data scan: slow path", params["pattern"])
	assert.Equal(t, "2026-10-17T12:00:00Z", params["at"])
}

func TestStatementForCycle(t *testing.T) {
	cypher, params, ok := statement(&events.Event{
		Kind:   events.CycleFailed,
		Branch: "main",
		Result: &state.CycleResult{CycleID: "cycle_2_9", Success: false, DurationSeconds: 0.5},
	})
	require.True(t, ok)
	assert.Contains(t, cypher, "MERGE (c)-[:ON]->(b)")
	assert.Equal(t, "cycle_2_9", params["id"])
	assert.Equal(t, false, params["success"])
}

func TestStatementSkipsOtherEvents(t *testing.T) {
	for _, kind := range []events.Kind{events.PhaseStarted, events.RunStarted, events.RateLimitWait} {
		_, _, ok := statement(&events.Event{Kind: kind})
		assert.False(t, ok, kind)
	}
	_, _, ok := statement(&events.Event{Kind: events.CycleCompleted})
	assert.False(t, ok, "cycle event without result")
}

func TestStatementForArchive(t *testing.T) {
	_, params, ok := statement(&events.Event{Kind: events.BranchArchived, Branch: "b", Message: "/a/2026-10-17-a",
		Fields: map[string]any{"from": "a", "to": "b"}})
	require.True(t, ok)
	assert.Equal(t, "/a/2026-10-17-a", params["folder"])
	assert.Equal(t, "a", params["branch"])
}
