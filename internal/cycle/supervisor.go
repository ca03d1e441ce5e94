package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSharedStateDir is returned when two supervised engines would write the
// same state directory.
var ErrSharedStateDir = errors.New("engines share a state directory")

// ErrSharedArchiveDir is returned when two supervised engines would archive
// into the same directory.
var ErrSharedArchiveDir = errors.New("engines share an archive directory")

type supervised struct {
	engine        *Engine
	branch        string
	maxIterations int
}

// Supervisor runs independent engines concurrently. Each engine needs its
// own limiter and breaker, and its own state and archive directories.
type Supervisor struct {
	mu       sync.Mutex
	engines  map[string]supervised
	dirs     map[string]string
	archives map[string]string
	logger   *zap.Logger
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		engines:  make(map[string]supervised),
		dirs:     make(map[string]string),
		archives: make(map[string]string),
		logger:   logger,
	}
}

// Add registers an engine under name.
func (s *Supervisor) Add(name string, e *Engine, branch string, maxIterations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.engines[name]; ok {
		return fmt.Errorf("engine %q already added", name)
	}
	dir, err := filepath.Abs(e.StateManager().StateDir())
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	if other, ok := s.dirs[dir]; ok {
		return fmt.Errorf("%w: %s and %s use %s", ErrSharedStateDir, other, name, dir)
	}
	archive, err := filepath.Abs(e.StateManager().ArchiveDir())
	if err != nil {
		return fmt.Errorf("resolve archive dir: %w", err)
	}
	if other, ok := s.archives[archive]; ok {
		return fmt.Errorf("%w: %s and %s use %s", ErrSharedArchiveDir, other, name, archive)
	}
	s.dirs[dir] = name
	s.archives[archive] = name
	s.engines[name] = supervised{engine: e, branch: branch, maxIterations: maxIterations}
	return nil
}

// Engines returns the registered engines by name.
func (s *Supervisor) Engines() map[string]*Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Engine, len(s.engines))
	for name, sv := range s.engines {
		out[name] = sv.engine
	}
	return out
}

// Run starts every engine and waits for all of them. The map reports which
// runs completed. The first engine error cancels the others.
func (s *Supervisor) Run(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	runs := make(map[string]supervised, len(s.engines))
	for k, v := range s.engines {
		runs[k] = v
	}
	s.mu.Unlock()

	var mu sync.Mutex
	results := make(map[string]bool, len(runs))

	g, gctx := errgroup.WithContext(ctx)
	for name, sv := range runs {
		name, sv := name, sv
		g.Go(func() error {
			done, err := sv.engine.Run(gctx, sv.maxIterations, sv.branch)
			mu.Lock()
			results[name] = done
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("engine %s: %w", name, err)
			}
			s.logger.Info("engine finished", zap.String("engine", name), zap.Bool("completed", done))
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
