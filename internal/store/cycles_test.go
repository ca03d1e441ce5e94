package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/state"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec calls; queries are not supported.
type fakeDB struct {
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func newFakeStore() (*Store, *fakeDB) {
	f := &fakeDB{}
	return &Store{db: f, logger: zap.NewNop()}, f
}

func TestPublishCycleResult(t *testing.T) {
	s, f := newFakeStore()
	started := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	err := s.Publish(context.Background(), &events.Event{
		Kind:   events.CycleFailed,
		Engine: "main",
		RunID:  "run-1",
		Result: &state.CycleResult{
			CycleID:   "cycle_1_1",
			Branch:    "feature/x",
			StartedAt: started,
			Output:    "cycle failed: idea: boom",
			Learnings: []string{"error in idea: boom"},
			Error:     "idea: boom",
		},
	})
	require.NoError(t, err)
	require.Len(t, f.calls, 1)

	c := f.calls[0]
	assert.Contains(t, c.sql, "INSERT INTO cycle_results")
	assert.Equal(t, "run-1", c.args[0])
	assert.Equal(t, "cycle_1_1", c.args[1])
	assert.Equal(t, "feature/x", c.args[3])
	assert.Equal(t, []string{}, c.args[6], "nil phases become an empty array")
	assert.Equal(t, false, c.args[7])
	assert.JSONEq(t, `["error in idea: boom"]`, string(c.args[9].([]byte)))
}

func TestPublishRoutesByKind(t *testing.T) {
	s, f := newFakeStore()
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.RunStarted, RunID: "r", Engine: "e", Branch: "b"}))
	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.PatternDiscovered, Engine: "e", Branch: "b", Message: "Data scan: x"}))
	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.BranchArchived, Engine: "e", Branch: "b", Message: "/tmp/a",
		Fields: map[string]any{"from": "a", "to": "b"}}))
	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.RunFinished, RunID: "r",
		Fields: map[string]any{"completed": true}}))
	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.PhaseStarted}))
	require.NoError(t, s.Publish(ctx, &events.Event{Kind: events.CycleCompleted}), "no result, nothing to store")

	require.Len(t, f.calls, 4)
	assert.Contains(t, f.calls[0].sql, "INSERT INTO runs")
	assert.Contains(t, f.calls[1].sql, "INSERT INTO patterns")
	assert.Equal(t, "Data scan: x", f.calls[1].args[1])
	assert.Contains(t, f.calls[2].sql, "INSERT INTO branch_archives")
	assert.Equal(t, "a", f.calls[2].args[1], "archive row names the branch left behind")
	assert.Contains(t, f.calls[3].sql, "UPDATE runs")
	assert.Equal(t, true, f.calls[3].args[2])
	assert.Equal(t, false, f.calls[3].args[3])
}

func TestPublishWrapsErrors(t *testing.T) {
	s, f := newFakeStore()
	f.err = errors.New("connection reset")

	err := s.Publish(context.Background(), &events.Event{Kind: events.PatternDiscovered, Message: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save pattern")
	assert.ErrorIs(t, err, f.err)
}
