package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/events"
	"github.com/nidhogg/cyclops/internal/state"
)

// CycleRecord is a mirrored cycle result with its run context.
type CycleRecord struct {
	RunID  string `json:"run_id"`
	Engine string `json:"engine"`
	state.CycleResult
}

func (s *Store) Name() string { return "postgres" }

// Publish mirrors the events the store keeps and ignores the rest.
func (s *Store) Publish(ctx context.Context, ev *events.Event) error {
	switch ev.Kind {
	case events.RunStarted:
		return s.StartRun(ctx, ev.RunID, ev.Engine, ev.Branch, ev.Timestamp)
	case events.RunFinished:
		completed, _ := ev.Fields["completed"].(bool)
		stopped, _ := ev.Fields["stopped"].(bool)
		return s.FinishRun(ctx, ev.RunID, completed, stopped, ev.Timestamp)
	case events.CycleCompleted, events.CycleFailed:
		if ev.Result == nil {
			return nil
		}
		return s.SaveCycle(ctx, CycleRecord{RunID: ev.RunID, Engine: ev.Engine, CycleResult: *ev.Result})
	case events.PatternDiscovered:
		return s.SavePattern(ctx, ev.Engine, ev.Branch, ev.Message, ev.Timestamp)
	case events.BranchArchived:
		return s.SaveArchive(ctx, ev.Engine, ev.ArchivedBranch(), ev.Message, ev.Timestamp)
	}
	return nil
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, runID, engine, branch string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, engine, branch, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		runID, engine, branch, at,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun closes a run.
func (s *Store) FinishRun(ctx context.Context, runID string, completed, stopped bool, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE runs SET finished_at = $2, completed = $3, stopped = $4
		WHERE id = $1`,
		runID, at, completed, stopped,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// SaveCycle stores one cycle result. Re-saving the same cycle is a no-op.
func (s *Store) SaveCycle(ctx context.Context, rec CycleRecord) error {
	learnings, err := json.Marshal(rec.Learnings)
	if err != nil {
		return fmt.Errorf("marshal learnings: %w", err)
	}
	phases := rec.PhasesCompleted
	if phases == nil {
		phases = []string{}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO cycle_results
			(run_id, cycle_id, engine, branch, started_at, duration_seconds,
			 phases_completed, success, output, learnings, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
		ON CONFLICT (run_id, cycle_id) DO NOTHING`,
		rec.RunID, rec.CycleID, rec.Engine, rec.Branch, rec.StartedAt, rec.DurationSeconds,
		phases, rec.Success, rec.Output, learnings, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save cycle %s: %w", rec.CycleID, err)
	}
	s.logger.Debug("cycle mirrored", zap.String("cycle_id", rec.CycleID))
	return nil
}

// SavePattern stores a pattern once per branch.
func (s *Store) SavePattern(ctx context.Context, engine, branch, pattern string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO patterns (branch, pattern, engine, discovered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (branch, pattern) DO NOTHING`,
		branch, pattern, engine, at,
	)
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// SaveArchive records that branch was archived into folder.
func (s *Store) SaveArchive(ctx context.Context, engine, branch, folder string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO branch_archives (engine, branch, folder, archived_at)
		VALUES ($1, $2, $3, $4)`,
		engine, branch, folder, at,
	)
	if err != nil {
		return fmt.Errorf("save archive: %w", err)
	}
	return nil
}

// RecentCycles returns the latest results for branch, newest first. An
// empty branch matches every branch.
func (s *Store) RecentCycles(ctx context.Context, branch string, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT run_id, engine, cycle_id, branch, started_at, duration_seconds,
		       phases_completed, success, output, learnings, COALESCE(error, '')
		FROM cycle_results
		WHERE $1 = '' OR branch = $1
		ORDER BY started_at DESC
		LIMIT $2`, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("recent cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var learnings []byte
		if err := rows.Scan(&rec.RunID, &rec.Engine, &rec.CycleID, &rec.Branch, &rec.StartedAt,
			&rec.DurationSeconds, &rec.PhasesCompleted, &rec.Success, &rec.Output,
			&learnings, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if len(learnings) > 0 {
			json.Unmarshal(learnings, &rec.Learnings)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Patterns returns the patterns recorded for branch in discovery order.
func (s *Store) Patterns(ctx context.Context, branch string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pattern FROM patterns
		WHERE branch = $1
		ORDER BY discovered_at ASC`, branch)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
