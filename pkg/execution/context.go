// Package execution runs flow plans step by step against an agent and
// tracks per-run state: recorded step results, data accumulated across
// steps, and the resulting flow score.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aruna/floweval/pkg/flow"
)

// Context is the mutable state of one flow run. It is safe for concurrent
// readers while the executor records results.
type Context struct {
	mu sync.RWMutex

	executionID string
	plan        *flow.FlowPlan
	startedAt   time.Time

	// results preserves recording order; byStep indexes them by step id.
	results []flow.StepResult
	byStep  map[string]int

	// accumulated holds cross-step data later steps can reference, such as
	// transaction signatures and amounts produced by earlier steps.
	accumulated map[string]any
}

// NewContext starts a fresh run context for the plan with a generated
// execution id.
func NewContext(plan *flow.FlowPlan) *Context {
	return &Context{
		executionID: uuid.NewString(),
		plan:        plan,
		startedAt:   time.Now(),
		byStep:      make(map[string]int),
		accumulated: make(map[string]any),
	}
}

// ExecutionID returns the run's unique id.
func (c *Context) ExecutionID() string {
	return c.executionID
}

// Plan returns the plan this context executes.
func (c *Context) Plan() *flow.FlowPlan {
	return c.plan
}

// StartedAt returns when the run began.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// RecordResult stores a step result and extracts reusable data from its
// output. Recording the same step id again replaces the earlier result,
// which is how recovered attempts supersede failed ones.
func (c *Context) RecordResult(result flow.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.byStep[result.StepID]; ok {
		c.results[idx] = result
	} else {
		c.byStep[result.StepID] = len(c.results)
		c.results = append(c.results, result)
	}

	c.extractOutputData(result)
}

// extractOutputData pulls transaction signatures and amounts out of a
// step's output so later steps can reference them as tx_<step_id> and
// amount_<step_id>. Caller holds the lock.
func (c *Context) extractOutputData(result flow.StepResult) {
	raw, ok := result.Output["transactions"]
	if !ok {
		return
	}
	transactions, ok := raw.([]any)
	if !ok {
		return
	}

	for _, entry := range transactions {
		tx, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if sig, ok := tx["signature"].(string); ok && sig != "" {
			c.accumulated["tx_"+result.StepID] = sig
		}
		if amount, ok := tx["amount"]; ok {
			c.accumulated["amount_"+result.StepID] = amount
		}
	}
}

// Result returns the recorded result for a step id.
func (c *Context) Result(stepID string) (flow.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byStep[stepID]
	if !ok {
		return flow.StepResult{}, false
	}
	return c.results[idx], true
}

// Results returns all recorded results in recording order.
func (c *Context) Results() []flow.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]flow.StepResult, len(c.results))
	copy(out, c.results)
	return out
}

// Accumulated returns a cross-step data value by key.
func (c *Context) Accumulated(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.accumulated[key]
	return v, ok
}

// AccumulatedData returns a copy of all cross-step data.
func (c *Context) AccumulatedData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.accumulated))
	for k, v := range c.accumulated {
		out[k] = v
	}
	return out
}

// SetAccumulated stores a cross-step data value directly.
func (c *Context) SetAccumulated(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated[key] = value
}

// CompletedSteps is the number of steps with a recorded result. A failed
// step still counts as completed; scoring is by progress through the plan,
// not by success.
func (c *Context) CompletedSteps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// WasStepSuccessful reports whether a step has a successful recorded
// result.
func (c *Context) WasStepSuccessful(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byStep[stepID]
	if !ok {
		return false
	}
	return c.results[idx].Success
}

// CompletionPercentage is completed/total as a percentage in [0, 100].
// An empty plan reports zero.
func (c *Context) CompletionPercentage() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.plan.Steps)
	if total == 0 {
		return 0
	}
	return float64(len(c.results)) / float64(total) * 100
}

// CalculateFlowScore returns the flow's score: the plain completion ratio
// capped at 1.0. Every step carries equal weight regardless of criticality.
func (c *Context) CalculateFlowScore() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.plan.Steps)
	if total == 0 {
		return 0
	}
	score := float64(len(c.results)) / float64(total)
	if score > 1 {
		return 1
	}
	return score
}

// Reset clears all recorded results and accumulated data while keeping the
// execution id and plan, so the same run can be re-driven from the start.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = nil
	c.byStep = make(map[string]int)
	c.accumulated = make(map[string]any)
	c.startedAt = time.Now()
}

// Summary renders a short human-readable progress line for logging. It is
// never used in scoring.
func (c *Context) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successful := 0
	for _, r := range c.results {
		if r.Success {
			successful++
		}
	}
	failed := len(c.results) - successful

	total := len(c.plan.Steps)
	percentage := 0.0
	if total > 0 {
		percentage = float64(len(c.results)) / float64(total) * 100
	}

	return fmt.Sprintf("Progress: %d/%d steps (%.1f%% completion) | %d successful, %d failed | Elapsed: %dms",
		len(c.results), total, percentage, successful, failed,
		time.Since(c.startedAt).Milliseconds())
}
