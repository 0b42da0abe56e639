package recovery

import (
	"time"

	"github.com/aruna/floweval/pkg/flow"
)

// Outcome tells the executor what to do with the flow after a recovery
// attempt.
type Outcome string

const (
	// OutcomeContinue: recovery succeeded, proceed with the recovered result.
	OutcomeContinue Outcome = "continue"
	// OutcomeContinueNonCritical: recovery failed but the flow proceeds,
	// recording the failure.
	OutcomeContinueNonCritical Outcome = "continue_non_critical"
	// OutcomeAbortCritical: a critical step is unrecoverable under the
	// flow's atomic mode; remaining steps are skipped.
	OutcomeAbortCritical Outcome = "abort_critical"
	// OutcomeAbortNoMoreAttempts: no strategy was available to try.
	OutcomeAbortNoMoreAttempts Outcome = "abort_no_more_attempts"
	// OutcomeAbortTimeout: recovery exceeded the per-step ceiling.
	OutcomeAbortTimeout Outcome = "abort_timeout"
)

// Terminal reports whether the outcome stops the flow.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeAbortCritical, OutcomeAbortNoMoreAttempts, OutcomeAbortTimeout:
		return true
	}
	return false
}

// Result describes one recovery pass over a failed step.
type Result struct {
	Success      bool          `json:"success"`
	AttemptsMade int           `json:"attempts_made"`
	StrategyUsed string        `json:"strategy_used"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RecoveryTime time.Duration `json:"recovery_time"`
}

// DetermineOutcome maps a recovery result onto a flow-level decision. A
// successful recovery always continues; a failed one aborts only when the
// step is critical and the mode holds critical steps to account (Strict and
// Conditional do, Lenient never does).
func DetermineOutcome(step flow.Step, result *Result, mode flow.AtomicMode) Outcome {
	if result.Success {
		return OutcomeContinue
	}

	switch mode {
	case flow.AtomicLenient:
		return OutcomeContinueNonCritical
	case flow.AtomicStrict, flow.AtomicConditional:
		if step.Critical {
			return OutcomeAbortCritical
		}
		return OutcomeContinueNonCritical
	default:
		// Unknown modes behave strictly.
		if step.Critical {
			return OutcomeAbortCritical
		}
		return OutcomeContinueNonCritical
	}
}
