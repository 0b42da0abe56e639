package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aruna/floweval/pkg/flow"
)

// Metrics aggregates recovery activity across an engine's lifetime.
type Metrics struct {
	TotalAttempts        int            `json:"total_attempts"`
	SuccessfulRecoveries int            `json:"successful_recoveries"`
	FailedRecoveries     int            `json:"failed_recoveries"`
	TotalRecoveryTime    time.Duration  `json:"total_recovery_time"`
	ByStrategy           map[string]int `json:"by_strategy"`
}

// Engine drives step recovery: it walks its strategies in registration
// order, and the first applicable one that completes decides the step.
type Engine struct {
	cfg        Config
	strategies []Strategy
	logger     zerolog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewEngine builds an engine with the standard strategy order: retry first,
// then alternative routes, then user fulfillment.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		metrics: Metrics{
			ByStrategy: make(map[string]int),
		},
	}
	e.strategies = append(e.strategies, NewRetryStrategy())
	if cfg.EnableAlternatives {
		e.strategies = append(e.strategies, NewAlternativeFlowStrategy())
	}
	e.strategies = append(e.strategies, NewUserFulfillmentStrategyEnabled(cfg.EnableUserFulfillment))
	return e
}

// WithStrategies replaces the strategy chain. Used by tests and embedders
// with custom policies.
func (e *Engine) WithStrategies(strategies ...Strategy) *Engine {
	e.strategies = strategies
	return e
}

// Config returns the engine's recovery configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RecoverStep tries to recover one failed step and maps the result onto a
// flow outcome via the step's atomicity mode.
func (e *Engine) RecoverStep(ctx context.Context, sc *StepContext, origErr string) (*Result, Outcome) {
	if sc.Deadline.IsZero() {
		sc.Deadline = time.Now().Add(e.cfg.MaxRecoveryTime)
	}

	mode := flow.AtomicStrict
	if sc.Plan != nil {
		mode = sc.Plan.AtomicMode
	}

	e.logger.Info().
		Str("step_id", sc.Step.StepID).
		Str("atomic_mode", string(mode)).
		Str("error", origErr).
		Msg("Starting step recovery")

	for _, strategy := range e.strategies {
		if !strategy.Applicable(sc.Step) {
			continue
		}
		if sc.DeadlineExceeded() {
			e.logger.Warn().
				Str("step_id", sc.Step.StepID).
				Dur("ceiling", e.cfg.MaxRecoveryTime).
				Msg("Recovery ceiling exceeded")
			e.record(nil, false)
			return nil, OutcomeAbortTimeout
		}

		result, err := strategy.AttemptRecovery(ctx, sc, e.cfg, origErr)
		if err != nil {
			// Context cancellation aborts recovery outright.
			if ctx.Err() != nil {
				e.record(nil, false)
				return nil, OutcomeAbortTimeout
			}
			e.logger.Warn().
				Err(err).
				Str("strategy", strategy.Name()).
				Str("step_id", sc.Step.StepID).
				Msg("Recovery strategy errored")
			continue
		}

		// The first applicable strategy that completes settles the step:
		// its result goes straight to the decision table, success or not.
		outcome := DetermineOutcome(sc.Step, result, mode)
		e.record(result, result.Success)

		if result.Success {
			e.logger.Info().
				Str("step_id", sc.Step.StepID).
				Str("strategy", result.StrategyUsed).
				Int("attempts", result.AttemptsMade).
				Msg("Step recovered")
		} else {
			e.logger.Warn().
				Str("step_id", sc.Step.StepID).
				Str("strategy", result.StrategyUsed).
				Str("error", result.ErrorMessage).
				Str("outcome", string(outcome)).
				Msg("Recovery failed")
		}
		return result, outcome
	}

	e.record(nil, false)
	return nil, OutcomeAbortNoMoreAttempts
}

func (e *Engine) record(result *Result, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.TotalAttempts++
	if success {
		e.metrics.SuccessfulRecoveries++
	} else {
		e.metrics.FailedRecoveries++
	}
	if result != nil {
		e.metrics.TotalRecoveryTime += result.RecoveryTime
		if result.StrategyUsed != "" {
			e.metrics.ByStrategy[result.StrategyUsed]++
		}
	}
}

// GetMetrics returns a copy of the accumulated metrics.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.metrics
	out.ByStrategy = make(map[string]int, len(e.metrics.ByStrategy))
	for k, v := range e.metrics.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

// ResetMetrics zeroes the accumulated metrics.
func (e *Engine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = Metrics{ByStrategy: make(map[string]int)}
}
