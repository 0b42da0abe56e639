package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aruna/floweval/pkg/flow"
)

func threeStepPlan() *flow.FlowPlan {
	return flow.NewPlan("flow-1", "move funds around", nil).
		WithStep(flow.NewStep("step_1", "do first", "first step")).
		WithStep(flow.NewStep("step_2", "do second", "second step")).
		WithStep(flow.NewStep("step_3", "do third", "third step"))
}

func TestContextRecordAndLookup(t *testing.T) {
	ctx := NewContext(threeStepPlan())

	assert.NotEmpty(t, ctx.ExecutionID())

	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: true, Duration: time.Second})
	ctx.RecordResult(flow.StepResult{StepID: "step_2", Success: false, ErrorMessage: "timeout"})

	r, ok := ctx.Result("step_1")
	require.True(t, ok)
	assert.True(t, r.Success)

	_, ok = ctx.Result("step_3")
	assert.False(t, ok)

	results := ctx.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "step_1", results[0].StepID)
	assert.Equal(t, "step_2", results[1].StepID)
}

func TestContextReplacesRecoveredResult(t *testing.T) {
	ctx := NewContext(threeStepPlan())

	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: false, ErrorMessage: "network error"})
	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: true, RecoveryAttempts: 2})

	results := ctx.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].RecoveryAttempts)
}

func TestContextExtractsTransactionData(t *testing.T) {
	ctx := NewContext(threeStepPlan())

	ctx.RecordResult(flow.StepResult{
		StepID:  "step_1",
		Success: true,
		Output: map[string]any{
			"transactions": []any{
				map[string]any{"signature": "5KtP9...abc", "amount": 1.5},
			},
		},
	})

	sig, ok := ctx.Accumulated("tx_step_1")
	require.True(t, ok)
	assert.Equal(t, "5KtP9...abc", sig)

	amount, ok := ctx.Accumulated("amount_step_1")
	require.True(t, ok)
	assert.Equal(t, 1.5, amount)
}

func TestContextExtractsOutputFromFailedStep(t *testing.T) {
	// Extraction keys off the output payload, not the success flag: a step
	// can fail after landing a transaction.
	ctx := NewContext(threeStepPlan())

	ctx.RecordResult(flow.StepResult{
		StepID:  "step_1",
		Success: false,
		Output: map[string]any{
			"transactions": []any{
				map[string]any{"signature": "partial-run-sig"},
			},
		},
	})

	sig, ok := ctx.Accumulated("tx_step_1")
	require.True(t, ok)
	assert.Equal(t, "partial-run-sig", sig)
}

func TestCompletionAndScore(t *testing.T) {
	ctx := NewContext(threeStepPlan())

	assert.Equal(t, 0.0, ctx.CalculateFlowScore())
	assert.Equal(t, 0.0, ctx.CompletionPercentage())

	// Score measures progress through the plan; a failed step counts too.
	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: true})
	assert.InDelta(t, 1.0/3.0, ctx.CalculateFlowScore(), 1e-9)

	ctx.RecordResult(flow.StepResult{StepID: "step_2", Success: false})
	assert.InDelta(t, 2.0/3.0, ctx.CalculateFlowScore(), 1e-9)
	assert.InDelta(t, 200.0/3.0, ctx.CompletionPercentage(), 1e-9)
	assert.Equal(t, 2, ctx.CompletedSteps())

	ctx.RecordResult(flow.StepResult{StepID: "step_3", Success: true})
	assert.Equal(t, 1.0, ctx.CalculateFlowScore())
	assert.Equal(t, 100.0, ctx.CompletionPercentage())

	// Recovered attempts replace, so the score never exceeds 1.0.
	ctx.RecordResult(flow.StepResult{StepID: "step_2", Success: true})
	assert.Equal(t, 1.0, ctx.CalculateFlowScore())
}

func TestWasStepSuccessful(t *testing.T) {
	ctx := NewContext(threeStepPlan())
	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: true})
	ctx.RecordResult(flow.StepResult{StepID: "step_2", Success: false})

	assert.True(t, ctx.WasStepSuccessful("step_1"))
	assert.False(t, ctx.WasStepSuccessful("step_2"))
	assert.False(t, ctx.WasStepSuccessful("step_3"))
}

func TestEmptyPlanScoresZero(t *testing.T) {
	ctx := NewContext(flow.NewPlan("empty", "nothing to do", nil))
	assert.Equal(t, 0.0, ctx.CalculateFlowScore())
	assert.Equal(t, 0.0, ctx.CompletionPercentage())
}

func TestContextReset(t *testing.T) {
	ctx := NewContext(threeStepPlan())
	id := ctx.ExecutionID()

	ctx.RecordResult(flow.StepResult{
		StepID:  "step_1",
		Success: true,
		Output: map[string]any{
			"transactions": []any{map[string]any{"signature": "abc"}},
		},
	})
	ctx.Reset()

	assert.Equal(t, id, ctx.ExecutionID())
	assert.Empty(t, ctx.Results())
	assert.Empty(t, ctx.AccumulatedData())
}

func TestContextSummary(t *testing.T) {
	ctx := NewContext(threeStepPlan())
	ctx.RecordResult(flow.StepResult{StepID: "step_1", Success: true})
	ctx.RecordResult(flow.StepResult{StepID: "step_2", Success: false, ErrorMessage: "boom"})

	summary := ctx.Summary()
	assert.Contains(t, summary, "2/3 steps")
	assert.Contains(t, summary, "1 successful, 1 failed")
}
