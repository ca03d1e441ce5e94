package cycle

import (
	"fmt"
	"time"
)

// CompletionSignal in a successful cycle's output ends the run.
const CompletionSignal = "<promise>COMPLETE</promise>"

// PhaseResult is one stored handler payload.
type PhaseResult struct {
	Phase  Phase `json:"phase"`
	Output any   `json:"output"`
}

// State is the in-memory record of the cycle being executed. It belongs to
// the goroutine driving the run and is handed to every handler.
type State struct {
	ID           string
	Number       int
	Branch       string
	StartedAt    time.Time
	EndedAt      *time.Time
	CurrentPhase Phase
	Success      bool
	Error        string

	results []PhaseResult
	signal  string
}

func newState(number int, branch string, now time.Time) *State {
	return &State{
		ID:        fmt.Sprintf("cycle_%d_%d", number, now.Unix()),
		Number:    number,
		Branch:    branch,
		StartedAt: now,
	}
}

// Result returns the payload an earlier phase of this cycle produced.
func (s *State) Result(p Phase) (any, bool) {
	for _, r := range s.results {
		if r.Phase == p {
			return r.Output, true
		}
	}
	return nil, false
}

// Results returns the stored payloads in execution order.
func (s *State) Results() []PhaseResult {
	out := make([]PhaseResult, len(s.results))
	copy(out, s.results)
	return out
}

// Signal attaches a completion signal to the cycle's output.
func (s *State) Signal(text string) {
	s.signal = text
}

func (s *State) store(p Phase, output any) error {
	if _, ok := s.Result(p); ok {
		return fmt.Errorf("phase %s already stored for %s", p, s.ID)
	}
	s.results = append(s.results, PhaseResult{Phase: p, Output: output})
	return nil
}

func (s *State) completedPhases() []Phase {
	out := make([]Phase, len(s.results))
	for i, r := range s.results {
		out[i] = r.Phase
	}
	return out
}

func (s *State) output() string {
	if s.signal == "" {
		return "cycle completed successfully"
	}
	return "cycle completed successfully " + s.signal
}
