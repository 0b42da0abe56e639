package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlanDoc = `{
  "flow_id": "flow-42",
  "user_request": "swap 2 SOL to USDC and lend it",
  "atomic_mode": "conditional",
  "steps": [
    {
      "step_id": "step_1_swap",
      "prompt_template": "Swap 2 SOL to USDC",
      "description": "Swap SOL for USDC",
      "required_capabilities": ["jupiter_swap"],
      "critical": true,
      "recovery": {"kind": "retry", "attempts": 3}
    },
    {
      "step_id": "step_2_lend",
      "prompt_template": "Deposit the USDC from the previous step",
      "description": "Lend USDC",
      "critical": false
    }
  ]
}`

func TestParsePlanDocument(t *testing.T) {
	plan, err := ParsePlanDocument([]byte(validPlanDoc))
	require.NoError(t, err)

	assert.Equal(t, "flow-42", plan.FlowID)
	assert.Equal(t, AtomicConditional, plan.AtomicMode)
	require.Len(t, plan.Steps, 2)
	assert.True(t, plan.Steps[0].Critical)
	assert.False(t, plan.Steps[1].Critical)
	require.NotNil(t, plan.Steps[0].Recovery)
	assert.Equal(t, StrategyRetry, plan.Steps[0].Recovery.Kind)
}

func TestValidatePlanDocumentRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{"flow_id": `},
		{"missing steps", `{"flow_id": "f", "user_request": "", "atomic_mode": "strict"}`},
		{"empty steps", `{"flow_id": "f", "user_request": "", "atomic_mode": "strict", "steps": []}`},
		{"bad atomic mode", `{"flow_id": "f", "user_request": "", "atomic_mode": "eager",
			"steps": [{"step_id": "a", "prompt_template": "p", "description": "d"}]}`},
		{"empty step id", `{"flow_id": "f", "user_request": "", "atomic_mode": "strict",
			"steps": [{"step_id": "", "prompt_template": "p", "description": "d"}]}`},
		{"bad recovery kind", `{"flow_id": "f", "user_request": "", "atomic_mode": "strict",
			"steps": [{"step_id": "a", "prompt_template": "p", "description": "d",
			"recovery": {"kind": "pray"}}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidatePlanDocument([]byte(tc.doc)))
		})
	}
}

func TestParsePlanDocumentDuplicateIDs(t *testing.T) {
	doc := `{"flow_id": "f", "user_request": "", "atomic_mode": "strict",
		"steps": [
			{"step_id": "dup", "prompt_template": "p", "description": "d"},
			{"step_id": "dup", "prompt_template": "p", "description": "d"}
		]}`

	_, err := ParsePlanDocument([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}
