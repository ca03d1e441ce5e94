package cycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/breaker"
	"github.com/nidhogg/cyclops/internal/ratelimit"
	"github.com/nidhogg/cyclops/internal/state"
)

func TestSupervisorRunsEnginesIndependently(t *testing.T) {
	root := t.TempDir()
	a := newFixtureIn(t, filepath.Join(root, "a"), Options{Name: "a"})
	b := newFixtureIn(t, filepath.Join(root, "b"), Options{Name: "b"})
	handleAll(a.engine)
	handleAll(b.engine)
	a.engine.SetCompletion(always)
	b.engine.SetCompletion(never)

	sup := NewSupervisor(zap.NewNop())
	require.NoError(t, sup.Add("a", a.engine, "main", 3))
	require.NoError(t, sup.Add("b", b.engine, "main", 2))
	assert.Len(t, sup.Engines(), 2)

	results, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, results)
	assert.Len(t, a.state.LoadProgress().Cycles, 1)
	assert.Len(t, b.state.LoadProgress().Cycles, 2)
}

func TestSupervisorRejectsSharedStateDir(t *testing.T) {
	root := t.TempDir()
	a := newFixtureIn(t, root, Options{Name: "a"})
	b := newFixtureIn(t, root, Options{Name: "b"})

	sup := NewSupervisor(zap.NewNop())
	require.NoError(t, sup.Add("a", a.engine, "main", 1))
	err := sup.Add("b", b.engine, "main", 1)
	assert.ErrorIs(t, err, ErrSharedStateDir)
}

func TestSupervisorRejectsSharedArchiveDir(t *testing.T) {
	root := t.TempDir()
	newEngine := func(name string) *Engine {
		sm, err := state.NewManager(state.Options{
			StateDir:   filepath.Join(root, name, "state"),
			ArchiveDir: filepath.Join(root, "archive"),
		}, state.FileStorage{}, zap.NewNop())
		require.NoError(t, err)
		lim := ratelimit.New(ratelimit.Config{}, zap.NewNop())
		cb := breaker.New(breaker.Config{Name: name}, zap.NewNop())
		return NewEngine(Options{Name: name}, lim, cb, sm, nil, zap.NewNop())
	}

	sup := NewSupervisor(zap.NewNop())
	require.NoError(t, sup.Add("a", newEngine("a"), "main", 1))
	err := sup.Add("b", newEngine("b"), "main", 1)
	assert.ErrorIs(t, err, ErrSharedArchiveDir)
	assert.Len(t, sup.Engines(), 1)
}

func TestSupervisorRejectsDuplicateName(t *testing.T) {
	root := t.TempDir()
	a := newFixtureIn(t, filepath.Join(root, "a"), Options{})
	b := newFixtureIn(t, filepath.Join(root, "b"), Options{})

	sup := NewSupervisor(zap.NewNop())
	require.NoError(t, sup.Add("x", a.engine, "main", 1))
	assert.Error(t, sup.Add("x", b.engine, "main", 1))
}

func TestSupervisorSurfacesMisconfiguredEngine(t *testing.T) {
	root := t.TempDir()
	bad := newFixtureIn(t, filepath.Join(root, "bad"), Options{Name: "bad"})

	sup := NewSupervisor(zap.NewNop())
	require.NoError(t, sup.Add("bad", bad.engine, "main", 1))

	_, err := sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingHandler)
}
