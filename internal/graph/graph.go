// Package graph records which branches discovered which patterns in Neo4j,
// so a pattern learned on one branch can be traced to the others.
//
// Nodes: (:Branch {name}), (:Pattern {text}), (:Cycle {id}).
// Edges: (Branch)-[:DISCOVERED]->(Pattern), (Cycle)-[:ON]->(Branch).
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/events"
)

// PatternGraph mirrors pattern and cycle events into Neo4j.
type PatternGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*PatternGraph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return &PatternGraph{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (g *PatternGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

var constraints = []string{
	`CREATE CONSTRAINT branch_name IF NOT EXISTS FOR (b:Branch) REQUIRE b.name IS UNIQUE`,
	`CREATE CONSTRAINT pattern_text IF NOT EXISTS FOR (p:Pattern) REQUIRE p.text IS UNIQUE`,
	`CREATE CONSTRAINT cycle_id IF NOT EXISTS FOR (c:Cycle) REQUIRE c.id IS UNIQUE`,
}

// EnsureConstraints creates the uniqueness constraints the MERGEs rely on.
func (g *PatternGraph) EnsureConstraints(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, c := range constraints {
		if _, err := session.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return nil
}

func (g *PatternGraph) Name() string { return "neo4j" }

// Publish writes the graph statement for ev, if any.
func (g *PatternGraph) Publish(ctx context.Context, ev *events.Event) error {
	cypher, params, ok := statement(ev)
	if !ok {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("graph %s: %w", ev.Kind, err)
	}
	return nil
}

// statement maps an event to its Cypher write.
func statement(ev *events.Event) (string, map[string]any, bool) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Kind {
	case events.PatternDiscovered:
		return `
			MERGE (b:Branch {name: $branch})
			MERGE (p:Pattern {text: $pattern})
			MERGE (b)-[r:DISCOVERED]->(p)
			ON CREATE SET r.engine = $engine, r.at = datetime($at)`,
			map[string]any{
				"branch":  ev.Branch,
				"pattern": ev.Message,
				"engine":  ev.Engine,
				"at":      at.Format(time.RFC3339),
			}, true

	case events.CycleCompleted, events.CycleFailed:
		if ev.Result == nil {
			return "", nil, false
		}
		return `
			MERGE (b:Branch {name: $branch})
			MERGE (c:Cycle {id: $id})
			ON CREATE SET c.success = $success, c.duration_seconds = $duration,
			              c.output = $output, c.started_at = datetime($started)
			MERGE (c)-[:ON]->(b)`,
			map[string]any{
				"branch":   ev.Branch,
				"id":       ev.Result.CycleID,
				"success":  ev.Result.Success,
				"duration": ev.Result.DurationSeconds,
				"output":   ev.Result.Output,
				"started":  ev.Result.StartedAt.Format(time.RFC3339),
			}, true

	case events.BranchArchived:
		return `
			MERGE (b:Branch {name: $branch})
			SET b.archive = $folder, b.archived_at = datetime($at)`,
			map[string]any{
				"branch": ev.ArchivedBranch(),
				"folder": ev.Message,
				"at":     at.Format(time.RFC3339),
			}, true
	}
	return "", nil, false
}

// SharedPatterns returns, for each pattern branch discovered, the other
// branches that discovered it too.
func (g *PatternGraph) SharedPatterns(ctx context.Context, branch string) (map[string][]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Branch {name: $branch})-[:DISCOVERED]->(p:Pattern)<-[:DISCOVERED]-(other:Branch)
		RETURN p.text AS pattern, collect(DISTINCT other.name) AS branches
		ORDER BY pattern`,
		map[string]any{"branch": branch})
	if err != nil {
		return nil, fmt.Errorf("shared patterns: %w", err)
	}

	out := make(map[string][]string)
	for result.Next(ctx) {
		rec := result.Record()
		pattern, _ := rec.Get("pattern")
		branches, _ := rec.Get("branches")
		text, _ := pattern.(string)
		list, _ := branches.([]any)
		for _, b := range list {
			if name, ok := b.(string); ok {
				out[text] = append(out[text], name)
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("shared patterns: %w", err)
	}
	return out, nil
}
