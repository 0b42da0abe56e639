package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aruna/floweval/pkg/flow"
)

// ReattemptFunc re-executes the failed step, optionally with a substitute
// prompt. An empty prompt means "run the step as planned".
type ReattemptFunc func(ctx context.Context, altPrompt string) (*flow.StepResult, error)

// FulfillFunc asks a human/manual channel to resolve a failed step and
// returns the free-form response.
type FulfillFunc func(ctx context.Context, questions []string) (string, error)

// StepContext carries everything a strategy needs to recover one failed
// step.
type StepContext struct {
	Step            flow.Step
	Plan            *flow.FlowPlan
	PreviousResults []flow.StepResult
	CurrentAttempt  int
	Deadline        time.Time

	// Reattempt is wired by the executor; strategies use it to re-drive the
	// agent. It may be nil in metric-only contexts.
	Reattempt ReattemptFunc
	// Fulfill is only consulted by the user-fulfillment strategy.
	Fulfill FulfillFunc
}

// DeadlineExceeded reports whether the recovery ceiling has passed.
func (sc *StepContext) DeadlineExceeded() bool {
	return !sc.Deadline.IsZero() && time.Now().After(sc.Deadline)
}

// Strategy is one pluggable recovery policy. Applicable gates selection;
// AttemptRecovery is invoked once per step and manages its own attempt loop.
type Strategy interface {
	AttemptRecovery(ctx context.Context, sc *StepContext, cfg Config, origErr string) (*Result, error)
	Name() string
	Applicable(step flow.Step) bool
}

// sleepCtx waits for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryStrategy re-executes the step with exponential backoff. Always
// applicable; it is the fallback when nothing else matches.
type RetryStrategy struct {
	defaultAttempts int
}

// NewRetryStrategy returns a retry strategy with 3 default attempts.
func NewRetryStrategy() *RetryStrategy {
	return &RetryStrategy{defaultAttempts: 3}
}

// NewRetryStrategyWithAttempts overrides the default attempt count.
func NewRetryStrategyWithAttempts(attempts int) *RetryStrategy {
	return &RetryStrategy{defaultAttempts: attempts}
}

func (s *RetryStrategy) Name() string { return "retry" }

func (s *RetryStrategy) Applicable(flow.Step) bool { return true }

func (s *RetryStrategy) AttemptRecovery(ctx context.Context, sc *StepContext, cfg Config, origErr string) (*Result, error) {
	maxAttempts := s.defaultAttempts
	if rec := sc.Step.Recovery; rec != nil && rec.Kind == flow.StrategyRetry && rec.Attempts > 0 {
		maxAttempts = rec.Attempts
	}

	if !ShouldRetryError(origErr) {
		return &Result{
			Success:      false,
			AttemptsMade: 0,
			StrategyUsed: s.Name(),
			ErrorMessage: fmt.Sprintf("error is not retryable: %s", origErr),
		}, nil
	}

	log.Info().
		Str("step_id", sc.Step.StepID).
		Int("max_attempts", maxAttempts).
		Str("error", origErr).
		Msg("Starting retry recovery")

	start := time.Now()
	lastErr := origErr

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := BackoffDelay(attempt, cfg)
		log.Debug().
			Str("step_id", sc.Step.StepID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Waiting before retry attempt")

		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		if sc.DeadlineExceeded() {
			break
		}

		if sc.Reattempt == nil {
			return &Result{
				Success:      false,
				AttemptsMade: attempt,
				StrategyUsed: s.Name(),
				ErrorMessage: "no reattempt handler wired",
				RecoveryTime: time.Since(start),
			}, nil
		}

		result, err := sc.Reattempt(ctx, "")
		if err != nil {
			lastErr = err.Error()
			if !ShouldRetryError(lastErr) {
				break
			}
			continue
		}
		if result.Success {
			return &Result{
				Success:      true,
				AttemptsMade: attempt,
				StrategyUsed: s.Name(),
				RecoveryTime: time.Since(start),
			}, nil
		}
		lastErr = result.ErrorMessage
		if !ShouldRetryError(lastErr) {
			break
		}
	}

	return &Result{
		Success:      false,
		AttemptsMade: maxAttempts,
		StrategyUsed: s.Name(),
		ErrorMessage: fmt.Sprintf("all %d retry attempts failed: %s", maxAttempts, lastErr),
		RecoveryTime: time.Since(start),
	}, nil
}

// AlternativeRoute is a substitute execution path for a recoverable class of
// failures.
type AlternativeRoute struct {
	FlowID            string
	Description       string
	Prompt            string
	TriggerConditions []string
}

// AlternativeFlowStrategy swaps the failed step's prompt for a known
// fallback route instead of retrying the same action verbatim.
type AlternativeFlowStrategy struct {
	routes map[string]AlternativeRoute
}

// NewAlternativeFlowStrategy builds the strategy with the default fallback
// routes for substitutable operations.
func NewAlternativeFlowStrategy() *AlternativeFlowStrategy {
	s := &AlternativeFlowStrategy{routes: make(map[string]AlternativeRoute)}

	s.routes["swap"] = AlternativeRoute{
		FlowID:      "fallback_route_swap",
		Description: "Swap through the fallback venue",
		Prompt:      "The primary swap route failed. Execute the same swap through the fallback venue instead.",
		TriggerConditions: []string{
			"route error", "route timeout", "slippage too high",
		},
	}
	s.routes["liquidity"] = AlternativeRoute{
		FlowID:      "fallback_reduced_amount",
		Description: "Retry with a reduced amount",
		Prompt:      "Insufficient liquidity for the requested size. Reduce the amount by 50% and try again.",
		TriggerConditions: []string{
			"insufficient liquidity", "slippage exceeded", "too large",
		},
	}
	s.routes["network"] = AlternativeRoute{
		FlowID:      "fallback_network_recovery",
		Description: "Wait out the network issue and retry",
		Prompt:      "Network issues detected. Wait for network recovery, then retry the same operation with fresh state.",
		TriggerConditions: []string{
			"network error", "connection refused", "timeout", "rate limit",
		},
	}

	return s
}

func (s *AlternativeFlowStrategy) Name() string { return "alternative_flow" }

// Applicable matches steps representing substitutable operations: either the
// step declares a recovery directive or its id names a known operation class.
func (s *AlternativeFlowStrategy) Applicable(step flow.Step) bool {
	if step.Recovery != nil {
		return true
	}
	id := strings.ToLower(step.StepID)
	return strings.Contains(id, "swap") ||
		strings.Contains(id, "lend") ||
		strings.Contains(id, "transfer")
}

func (s *AlternativeFlowStrategy) findRoute(errMsg string) *AlternativeRoute {
	lower := strings.ToLower(errMsg)
	for _, route := range s.routes {
		for _, cond := range route.TriggerConditions {
			if strings.Contains(lower, cond) {
				return &route
			}
		}
	}
	return nil
}

func (s *AlternativeFlowStrategy) AttemptRecovery(ctx context.Context, sc *StepContext, _ Config, origErr string) (*Result, error) {
	route := s.findRoute(origErr)
	if route == nil {
		return &Result{
			Success:      false,
			StrategyUsed: s.Name(),
			ErrorMessage: "no suitable alternative route found",
		}, nil
	}

	log.Info().
		Str("step_id", sc.Step.StepID).
		Str("route", route.FlowID).
		Str("error", origErr).
		Msg("Executing alternative route")

	if sc.Reattempt == nil {
		return &Result{
			Success:      false,
			StrategyUsed: s.Name(),
			ErrorMessage: "no reattempt handler wired",
		}, nil
	}

	start := time.Now()
	result, err := sc.Reattempt(ctx, route.Prompt)
	if err != nil {
		return &Result{
			Success:      false,
			AttemptsMade: 1,
			StrategyUsed: s.Name(),
			ErrorMessage: fmt.Sprintf("alternative route %s failed: %v", route.FlowID, err),
			RecoveryTime: time.Since(start),
		}, nil
	}

	return &Result{
		Success:      result.Success,
		AttemptsMade: 1,
		StrategyUsed: s.Name(),
		ErrorMessage: result.ErrorMessage,
		RecoveryTime: time.Since(start),
	}, nil
}

// UserFulfillmentStrategy hands a failed step to a human channel. Disabled by
// default; automated pipelines only enable it deliberately.
type UserFulfillmentStrategy struct {
	enabled bool
}

// NewUserFulfillmentStrategy returns a disabled strategy.
func NewUserFulfillmentStrategy() *UserFulfillmentStrategy {
	return &UserFulfillmentStrategy{}
}

// NewUserFulfillmentStrategyEnabled returns the strategy with the enabled
// flag set.
func NewUserFulfillmentStrategyEnabled(enabled bool) *UserFulfillmentStrategy {
	return &UserFulfillmentStrategy{enabled: enabled}
}

func (s *UserFulfillmentStrategy) Name() string { return "user_fulfillment" }

func (s *UserFulfillmentStrategy) Applicable(flow.Step) bool { return s.enabled }

// Questions builds the prompts shown to the operator for a failed step.
func (s *UserFulfillmentStrategy) Questions(step flow.Step, errMsg string) []string {
	questions := []string{
		fmt.Sprintf("Step %q failed: %s. Retry this step?", step.StepID, errMsg),
	}
	if rec := step.Recovery; rec != nil && len(rec.Questions) > 0 {
		questions = append(questions, rec.Questions...)
	}
	questions = append(questions,
		"Skip this step and continue?",
		"Abort the entire flow?",
	)
	return questions
}

func (s *UserFulfillmentStrategy) AttemptRecovery(ctx context.Context, sc *StepContext, _ Config, origErr string) (*Result, error) {
	if !s.enabled {
		return &Result{
			Success:      false,
			StrategyUsed: s.Name(),
			ErrorMessage: "user fulfillment is disabled",
		}, nil
	}
	if sc.Fulfill == nil {
		return &Result{
			Success:      false,
			StrategyUsed: s.Name(),
			ErrorMessage: "no fulfillment channel wired",
		}, nil
	}

	start := time.Now()
	questions := s.Questions(sc.Step, origErr)

	response, err := sc.Fulfill(ctx, questions)
	if err != nil {
		return &Result{
			Success:      false,
			AttemptsMade: 1,
			StrategyUsed: s.Name(),
			ErrorMessage: fmt.Sprintf("user fulfillment failed: %v", err),
			RecoveryTime: time.Since(start),
		}, nil
	}

	lower := strings.ToLower(response)
	switch {
	case strings.Contains(lower, "abort"), strings.Contains(lower, "cancel"):
		return &Result{
			Success:      false,
			AttemptsMade: 1,
			StrategyUsed: s.Name(),
			ErrorMessage: "user chose to abort the flow",
			RecoveryTime: time.Since(start),
		}, nil
	case strings.Contains(lower, "skip"), strings.Contains(lower, "continue"):
		return &Result{
			Success:      false,
			AttemptsMade: 1,
			StrategyUsed: s.Name(),
			ErrorMessage: "user chose to skip the step",
			RecoveryTime: time.Since(start),
		}, nil
	default:
		// Retry-ish and ambiguous responses re-drive the step once.
		if sc.Reattempt != nil {
			result, rerr := sc.Reattempt(ctx, "")
			if rerr == nil && result.Success {
				return &Result{
					Success:      true,
					AttemptsMade: 1,
					StrategyUsed: s.Name(),
					RecoveryTime: time.Since(start),
				}, nil
			}
		}
		return &Result{
			Success:      false,
			AttemptsMade: 1,
			StrategyUsed: s.Name(),
			ErrorMessage: "manual retry did not succeed",
			RecoveryTime: time.Since(start),
		}, nil
	}
}
