package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aruna/floweval/pkg/flow"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()

	w, err := NewWriter(filepath.Join(t.TempDir(), "results.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func testPlan() *flow.FlowPlan {
	return flow.NewPlan("flow-1", "swap then lend", nil).
		WithStep(flow.NewStep("step_1", "swap", "swap step")).
		WithStep(flow.NewStep("step_2", "lend", "lend step"))
}

func TestScoreBand(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{1.0, 1.0},
		{0.9, 0.75},
		{0.75, 0.75},
		{0.6, 0.5},
		{0.5, 0.5},
		{0.3, 0.25},
		{0.25, 0.25},
		{0.1, 0.0},
		{0.0, 0.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScoreBand(tt.rate), "rate %v", tt.rate)
	}
}

func TestSaveAndReadStepSessions(t *testing.T) {
	w := newTestWriter(t)
	plan := testPlan()

	require.NoError(t, w.SaveStepResult("exec-1", plan, flow.StepResult{
		StepID:   "step_1",
		Success:  true,
		Duration: 2 * time.Second,
		Output:   map[string]any{"note": "done"},
	}))
	require.NoError(t, w.SaveStepResult("exec-1", plan, flow.StepResult{
		StepID:       "step_2",
		Success:      false,
		ErrorMessage: "timeout",
	}))

	count, err := w.StepSessionCount("exec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := w.StepResults("exec-1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]flow.StepResult{}
	for _, r := range results {
		byID[r.StepID] = r
	}
	assert.True(t, byID["step_1"].Success)
	assert.Equal(t, "done", byID["step_1"].Output["note"])
	assert.Equal(t, "timeout", byID["step_2"].ErrorMessage)
}

func TestSaveFlowResultConsolidates(t *testing.T) {
	w := newTestWriter(t)

	result := &flow.FlowResult{
		ExecutionID: "exec-1",
		FlowID:      "flow-1",
		UserRequest: "swap then lend",
		Success:     false,
		Score:       0.5,
		StepResults: []flow.StepResult{
			{StepID: "step_1", Success: true},
			{StepID: "step_2", Success: false},
		},
	}
	require.NoError(t, w.SaveFlowResult(result))

	session, err := w.GetConsolidated("exec-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "flow-1", session.FlowID)
	assert.Equal(t, 0.5, session.Score)
	assert.Equal(t, 0.5, session.Band)
	assert.Equal(t, 2, session.StepCount)
	assert.False(t, session.Success)

	// Saving again for the same execution updates in place.
	result.Success = true
	result.Score = 1.0
	require.NoError(t, w.SaveFlowResult(result))

	session, err = w.GetConsolidated("exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, session.Band)
	assert.True(t, session.Success)
}

func TestConsolidateOrphanedSessions(t *testing.T) {
	w := newTestWriter(t)
	plan := testPlan()

	require.NoError(t, w.SaveStepResult("exec-orphan", plan, flow.StepResult{StepID: "step_1", Success: true}))
	require.NoError(t, w.SaveStepResult("exec-orphan", plan, flow.StepResult{StepID: "step_2", Success: false}))

	session, err := w.Consolidate("exec-orphan")
	require.NoError(t, err)
	assert.Equal(t, "flow-1", session.FlowID)
	assert.Equal(t, 0.5, session.Score)
	assert.Equal(t, 0.5, session.Band)
	assert.False(t, session.Success)
	assert.NotEmpty(t, session.ID)

	// Idempotent: a second call returns the stored session.
	again, err := w.Consolidate("exec-orphan")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
}

func TestConsolidateUnknownExecution(t *testing.T) {
	w := newTestWriter(t)

	_, err := w.Consolidate("no-such-execution")
	assert.Error(t, err)
}

func TestGetConsolidatedMissing(t *testing.T) {
	w := newTestWriter(t)

	session, err := w.GetConsolidated("missing")
	require.NoError(t, err)
	assert.Nil(t, session)
}
