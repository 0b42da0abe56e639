package flow

import "time"

// FlowPlan is an ordered, immutable sequence of steps representing one
// evaluation run. It is created once per run and never mutated after the
// first step executes. Duplicate step IDs are a caller error; the builder
// does not validate them (ValidatePlanDocument does, for plans arriving as
// JSON documents).
type FlowPlan struct {
	FlowID      string         `json:"flow_id"`
	UserRequest string         `json:"user_request"`
	Snapshot    map[string]any `json:"snapshot,omitempty"`
	Steps       []Step         `json:"steps"`
	AtomicMode  AtomicMode     `json:"atomic_mode"`
}

// NewPlan creates an empty plan in strict atomic mode. The snapshot is a
// read-only view of external state (balances, positions) used when
// rendering step prompts; the plan never writes to it.
func NewPlan(flowID, userRequest string, snapshot map[string]any) *FlowPlan {
	return &FlowPlan{
		FlowID:      flowID,
		UserRequest: userRequest,
		Snapshot:    snapshot,
		AtomicMode:  AtomicStrict,
	}
}

// WithStep appends a step and returns the plan for chaining.
func (p *FlowPlan) WithStep(step Step) *FlowPlan {
	p.Steps = append(p.Steps, step)
	return p
}

// WithAtomicMode sets the atomic mode and returns the plan for chaining.
func (p *FlowPlan) WithAtomicMode(mode AtomicMode) *FlowPlan {
	p.AtomicMode = mode
	return p
}

// TotalSteps returns the number of steps in the plan.
func (p *FlowPlan) TotalSteps() int {
	return len(p.Steps)
}

// CriticalSteps returns the steps whose failure can abort the flow.
func (p *FlowPlan) CriticalSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Critical {
			out = append(out, s)
		}
	}
	return out
}

// EstimatedTime returns the sum of per-step time estimates.
func (p *FlowPlan) EstimatedTime() time.Duration {
	var total time.Duration
	for _, s := range p.Steps {
		total += s.EstimatedTime
	}
	return total
}

// NewStep creates a step with the defaults the planner hands out: critical,
// 30s estimate, retry recovery.
func NewStep(stepID, promptTemplate, description string) Step {
	return Step{
		StepID:         stepID,
		PromptTemplate: promptTemplate,
		Description:    description,
		Critical:       true,
		EstimatedTime:  30 * time.Second,
	}
}

// WithCritical sets the criticality flag.
func (s Step) WithCritical(critical bool) Step {
	s.Critical = critical
	return s
}

// WithCapability adds a required capability (a named tool the agent must be
// able to invoke).
func (s Step) WithCapability(name string) Step {
	s.RequiredCapabilities = append(s.RequiredCapabilities, name)
	return s
}

// WithRecovery sets the recovery directive.
func (s Step) WithRecovery(spec RecoverySpec) Step {
	s.Recovery = &spec
	return s
}

// WithEstimatedTime sets the time estimate.
func (s Step) WithEstimatedTime(d time.Duration) Step {
	s.EstimatedTime = d
	return s
}
