package cycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoRunCompletesOnQualitySignal(t *testing.T) {
	f := newFixture(t, Options{CompletionCycles: 10})
	d := NewDemoState()
	d.Latency = 0
	RegisterDemo(f.engine, d)

	done, err := f.engine.Run(context.Background(), 10, "demo")
	require.NoError(t, err)
	assert.True(t, done)
	// quality 6.5, 8.0, 9.5: the third report crosses the target
	assert.Equal(t, 3, f.engine.CyclesRun())

	p := f.state.LoadProgress()
	require.Len(t, p.Cycles, 3)
	assert.Contains(t, p.Cycles[2].Output, CompletionSignal)
	assert.NotContains(t, p.Cycles[1].Output, CompletionSignal)
	assert.Equal(t, []string{
		"Data scan: " + demoInsights[0],
		"Data scan: " + demoInsights[1],
		"Data scan: " + demoInsights[2],
	}, p.Patterns)

	var req Requirements
	require.True(t, f.state.LoadDocument("prd.json", &req))
	assert.Equal(t, "demo", req.Branch)
	assert.Equal(t, p.Cycles[2].CycleID, req.Cycle)
}

func TestDemoValidationFailures(t *testing.T) {
	f := newFixture(t, Options{CompletionCycles: 10})
	d := NewDemoState()
	d.Latency = 0
	d.FailEvery = 3
	RegisterDemo(f.engine, d)

	done, err := f.engine.Run(context.Background(), 10, "demo")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 4, f.engine.CyclesRun())

	// the third validation fails; quality only advances on reports
	p := f.state.LoadProgress()
	assert.False(t, p.Cycles[2].Success)
	assert.Contains(t, p.Cycles[2].Output, "cycle failed: validate")
	assert.Contains(t, p.Cycles[2].Output, ErrDemoValidation.Error())
	assert.True(t, p.Cycles[3].Success)
}
