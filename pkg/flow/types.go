package flow

import "time"

// AtomicMode controls how a flow reacts to failed steps.
type AtomicMode string

const (
	// AtomicStrict aborts the flow when a critical step fails.
	AtomicStrict AtomicMode = "strict"
	// AtomicLenient records failures but always continues.
	AtomicLenient AtomicMode = "lenient"
	// AtomicConditional aborts only on critical-step failure.
	AtomicConditional AtomicMode = "conditional"
)

// Valid reports whether m is a known atomic mode.
func (m AtomicMode) Valid() bool {
	switch m {
	case AtomicStrict, AtomicLenient, AtomicConditional:
		return true
	}
	return false
}

// StrategyKind identifies a recovery strategy variant.
type StrategyKind string

const (
	StrategyRetry           StrategyKind = "retry"
	StrategyAlternativeFlow StrategyKind = "alternative_flow"
	StrategyUserFulfillment StrategyKind = "user_fulfillment"
)

// RecoverySpec is the per-step recovery directive. It is a closed tagged
// union: Kind selects the variant, and only the matching field is read.
type RecoverySpec struct {
	Kind StrategyKind `json:"kind"`
	// Attempts applies to StrategyRetry.
	Attempts int `json:"attempts,omitempty"`
	// FlowID applies to StrategyAlternativeFlow.
	FlowID string `json:"flow_id,omitempty"`
	// Questions applies to StrategyUserFulfillment.
	Questions []string `json:"questions,omitempty"`
}

// DefaultRecovery is used when a step carries no recovery directive.
func DefaultRecovery() RecoverySpec {
	return RecoverySpec{Kind: StrategyRetry, Attempts: 3}
}

// Step is one unit of agent-executed work within a plan. Steps are
// immutable once the plan starts executing.
type Step struct {
	StepID               string        `json:"step_id"`
	PromptTemplate       string        `json:"prompt_template"`
	Description          string        `json:"description"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	Critical             bool          `json:"critical"`
	EstimatedTime        time.Duration `json:"estimated_time"`
	Recovery             *RecoverySpec `json:"recovery,omitempty"`
}

// RecoveryOrDefault returns the step's recovery directive, falling back to
// the default retry spec.
func (s Step) RecoveryOrDefault() RecoverySpec {
	if s.Recovery != nil {
		return *s.Recovery
	}
	return DefaultRecovery()
}

// StepResult is produced exactly once per step attempt; a recovered attempt
// replaces the failed one.
type StepResult struct {
	StepID           string         `json:"step_id"`
	Success          bool           `json:"success"`
	Duration         time.Duration  `json:"duration"`
	ToolCalls        []string       `json:"tool_calls,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts,omitempty"`
}

// FlowMetrics aggregates execution counters for one flow run.
type FlowMetrics struct {
	TotalDuration       time.Duration `json:"total_duration"`
	SuccessfulSteps     int           `json:"successful_steps"`
	FailedSteps         int           `json:"failed_steps"`
	CriticalFailures    int           `json:"critical_failures"`
	NonCriticalFailures int           `json:"non_critical_failures"`
	TotalToolCalls      int           `json:"total_tool_calls"`
}

// FlowResult is the flow-level outcome returned by the executor. A flow
// that aborts early still carries the partial step results and score.
type FlowResult struct {
	ExecutionID  string       `json:"execution_id"`
	FlowID       string       `json:"flow_id"`
	UserRequest  string       `json:"user_request"`
	Success      bool         `json:"success"`
	StepResults  []StepResult `json:"step_results"`
	Score        float64      `json:"score"`
	Metrics      FlowMetrics  `json:"metrics"`
	ErrorMessage string       `json:"error_message,omitempty"`
}
