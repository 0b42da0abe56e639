package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aruna/floweval/pkg/flow"
	"github.com/aruna/floweval/pkg/recovery"
)

// AgentExecutor drives a single step against the agent under evaluation.
// Implementations own the wire protocol; the executor only sees results.
type AgentExecutor interface {
	ExecuteStep(ctx context.Context, step flow.Step, prompt string) (*flow.StepResult, error)
}

// ResultSink receives results as they are produced. Implementations must
// tolerate being called once per step plus once per flow.
type ResultSink interface {
	SaveStepResult(executionID string, plan *flow.FlowPlan, result flow.StepResult) error
	SaveFlowResult(result *flow.FlowResult) error
}

// Config tunes the executor.
type Config struct {
	// StepTimeout bounds a single step attempt. Zero falls back to the
	// step's estimated time.
	StepTimeout time.Duration   `json:"step_timeout" mapstructure:"step_timeout"`
	Recovery    recovery.Config `json:"recovery" mapstructure:"recovery"`
}

// DefaultConfig returns the executor defaults: a five minute step timeout
// and standard recovery settings.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 5 * time.Minute,
		Recovery:    recovery.DefaultConfig(),
	}
}

// Executor runs flow plans sequentially: each step waits for the previous
// one, and carries forward what earlier steps produced.
type Executor struct {
	agent  AgentExecutor
	engine *recovery.Engine
	sink   ResultSink
	cfg    Config
	logger zerolog.Logger
}

// NewExecutor builds an executor around an agent.
func NewExecutor(agent AgentExecutor, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		agent:  agent,
		engine: recovery.NewEngine(cfg.Recovery, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// WithSink attaches a result sink.
func (e *Executor) WithSink(sink ResultSink) *Executor {
	e.sink = sink
	return e
}

// RecoveryMetrics exposes the underlying engine's counters.
func (e *Executor) RecoveryMetrics() recovery.Metrics {
	return e.engine.GetMetrics()
}

// ExecuteFlowPlan runs every step of the plan in order. Steps that fail are
// handed to the recovery engine; the engine's outcome decides whether the
// flow proceeds or aborts. The returned result always carries whatever step
// results were produced, even on abort.
func (e *Executor) ExecuteFlowPlan(ctx context.Context, plan *flow.FlowPlan) (*flow.FlowResult, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("flow plan has no steps")
	}
	if !plan.AtomicMode.Valid() {
		return nil, fmt.Errorf("unknown atomic mode %q", plan.AtomicMode)
	}

	execCtx := NewContext(plan)
	start := time.Now()

	e.logger.Info().
		Str("execution_id", execCtx.ExecutionID()).
		Str("flow_id", plan.FlowID).
		Int("steps", len(plan.Steps)).
		Str("atomic_mode", string(plan.AtomicMode)).
		Msg("Starting flow execution")

	var abortMessage string

	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			abortMessage = fmt.Sprintf("flow cancelled before step %s: %v", step.StepID, ctx.Err())
			e.logger.Warn().Str("step_id", step.StepID).Msg("Flow cancelled")
		default:
		}
		if abortMessage != "" {
			break
		}

		e.logger.Info().
			Str("step_id", step.StepID).
			Int("index", i+1).
			Int("total", len(plan.Steps)).
			Msg("Executing step")

		prompt := e.buildStepPrompt(plan, step, execCtx)
		result := e.runStep(ctx, step, prompt)

		if !result.Success {
			recovered, outcome := e.recoverStep(ctx, plan, step, prompt, execCtx, result)
			if recovered != nil {
				result = recovered
			}

			switch outcome {
			case recovery.OutcomeContinue:
				// recovered result already swapped in
			case recovery.OutcomeContinueNonCritical:
				e.logger.Warn().
					Str("step_id", step.StepID).
					Str("error", result.ErrorMessage).
					Msg("Continuing past failed step")
			default:
				abortMessage = fmt.Sprintf("step %s: %s (%s)", step.StepID, result.ErrorMessage, outcome)
				e.logger.Error().
					Str("step_id", step.StepID).
					Str("outcome", string(outcome)).
					Msg("Aborting flow")
			}
		}

		execCtx.RecordResult(*result)
		if e.sink != nil {
			if err := e.sink.SaveStepResult(execCtx.ExecutionID(), plan, *result); err != nil {
				e.logger.Warn().Err(err).Str("step_id", step.StepID).Msg("Failed to persist step result")
			}
		}

		if abortMessage != "" {
			break
		}
	}

	flowResult := e.buildFlowResult(execCtx, plan, time.Since(start), abortMessage)

	if e.sink != nil {
		if err := e.sink.SaveFlowResult(flowResult); err != nil {
			e.logger.Warn().Err(err).Str("flow_id", plan.FlowID).Msg("Failed to persist flow result")
		}
	}

	e.logger.Info().
		Str("execution_id", flowResult.ExecutionID).
		Bool("success", flowResult.Success).
		Float64("score", flowResult.Score).
		Dur("duration", flowResult.Metrics.TotalDuration).
		Msg("Flow execution finished")

	return flowResult, nil
}

// runStep executes one attempt with the step timeout. A timeout or agent
// error becomes a failed result so the recovery machinery sees a uniform
// shape.
func (e *Executor) runStep(ctx context.Context, step flow.Step, prompt string) *flow.StepResult {
	timeout := e.cfg.StepTimeout
	if timeout <= 0 {
		timeout = step.EstimatedTime
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.agent.ExecuteStep(stepCtx, step, prompt)
	elapsed := time.Since(start)

	if err != nil {
		msg := err.Error()
		if stepCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("step timed out after %s", timeout)
		}
		return &flow.StepResult{
			StepID:       step.StepID,
			Success:      false,
			Duration:     elapsed,
			ErrorMessage: msg,
		}
	}

	// An executor may return (nil, nil); treat that as a failed attempt.
	if result == nil {
		return &flow.StepResult{
			StepID:       step.StepID,
			Success:      false,
			Duration:     elapsed,
			ErrorMessage: "agent returned no result",
		}
	}

	result.StepID = step.StepID
	if result.Duration == 0 {
		result.Duration = elapsed
	}
	return result
}

// recoverStep hands a failed step to the recovery engine. The reattempt
// callback re-drives the agent with either the original prompt or a
// strategy-supplied substitute.
func (e *Executor) recoverStep(ctx context.Context, plan *flow.FlowPlan, step flow.Step, prompt string, execCtx *Context, failed *flow.StepResult) (*flow.StepResult, recovery.Outcome) {
	var lastAttempt *flow.StepResult

	sc := &recovery.StepContext{
		Step:            step,
		Plan:            plan,
		PreviousResults: execCtx.Results(),
		Reattempt: func(rctx context.Context, altPrompt string) (*flow.StepResult, error) {
			p := prompt
			if altPrompt != "" {
				p = e.buildStepPrompt(plan, step, execCtx) + "\n\nRecovery guidance: " + altPrompt
			}
			attempt := e.runStep(rctx, step, p)
			lastAttempt = attempt
			return attempt, nil
		},
	}

	recResult, outcome := e.engine.RecoverStep(ctx, sc, failed.ErrorMessage)

	final := failed
	if recResult != nil && recResult.Success && lastAttempt != nil {
		final = lastAttempt
	}
	if recResult != nil {
		final.RecoveryAttempts = recResult.AttemptsMade
		if !recResult.Success && recResult.ErrorMessage != "" {
			final.ErrorMessage = recResult.ErrorMessage
		}
	}
	return final, outcome
}

// buildStepPrompt assembles the prompt sent to the agent: the step's
// description, a digest of prior step results and accumulated data, then
// the step's own prompt template.
func (e *Executor) buildStepPrompt(plan *flow.FlowPlan, step flow.Step, execCtx *Context) string {
	b := &strings.Builder{}

	fmt.Fprintf(b, "You are executing step %q of flow %q.\n", step.StepID, plan.FlowID)
	if step.Description != "" {
		fmt.Fprintf(b, "Step description: %s\n", step.Description)
	}

	if results := execCtx.Results(); len(results) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, r := range results {
			status := "succeeded"
			if !r.Success {
				status = fmt.Sprintf("failed (%s)", r.ErrorMessage)
			}
			fmt.Fprintf(b, "- %s: %s\n", r.StepID, status)
		}
	}

	if data := execCtx.AccumulatedData(); len(data) > 0 {
		b.WriteString("\nAvailable data from previous steps:\n")
		for k, v := range data {
			fmt.Fprintf(b, "- %s: %v\n", k, v)
		}
	}

	fmt.Fprintf(b, "\nTask: %s", step.PromptTemplate)
	return b.String()
}

// buildFlowResult derives the flow-level outcome from the recorded step
// results. Strict and conditional flows succeed when no critical step
// failed and at least one step succeeded; lenient flows only need one
// success.
func (e *Executor) buildFlowResult(execCtx *Context, plan *flow.FlowPlan, elapsed time.Duration, abortMessage string) *flow.FlowResult {
	results := execCtx.Results()

	criticalByID := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		criticalByID[s.StepID] = s.Critical
	}

	metrics := flow.FlowMetrics{TotalDuration: elapsed}
	for _, r := range results {
		metrics.TotalToolCalls += len(r.ToolCalls)
		if r.Success {
			metrics.SuccessfulSteps++
			continue
		}
		metrics.FailedSteps++
		if criticalByID[r.StepID] {
			metrics.CriticalFailures++
		} else {
			metrics.NonCriticalFailures++
		}
	}

	var success bool
	switch plan.AtomicMode {
	case flow.AtomicLenient:
		success = metrics.SuccessfulSteps > 0
	default:
		success = metrics.CriticalFailures == 0 && metrics.SuccessfulSteps > 0
	}

	return &flow.FlowResult{
		ExecutionID:  execCtx.ExecutionID(),
		FlowID:       plan.FlowID,
		UserRequest:  plan.UserRequest,
		Success:      success,
		StepResults:  results,
		Score:        execCtx.CalculateFlowScore(),
		Metrics:      metrics,
		ErrorMessage: abortMessage,
	}
}
