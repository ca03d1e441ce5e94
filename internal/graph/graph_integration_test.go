//go:build integration

package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/events"
)

func TestSharedPatternsAcrossBranches(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	g, err := New(ctx, uri, "", "", zap.NewNop())
	require.NoError(t, err)
	defer g.Close(ctx)
	require.NoError(t, g.EnsureConstraints(ctx))

	for _, ev := range []*events.Event{
		{Kind: events.PatternDiscovered, Branch: "a", Message: "shared"},
		{Kind: events.PatternDiscovered, Branch: "b", Message: "shared"},
		{Kind: events.PatternDiscovered, Branch: "a", Message: "only-a"},
		{Kind: events.PatternDiscovered, Branch: "a", Message: "shared"},
	} {
		require.NoError(t, g.Publish(ctx, ev))
	}

	shared, err := g.SharedPatterns(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"shared": {"b"}}, shared)
}
