package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PlanSchema is the JSON Schema a plan document must satisfy before it is
// handed to the executor. It restates the structural invariants the builder
// leaves to the caller: non-empty unique step IDs, a known atomic mode, and
// at least one step.
const PlanSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["flow_id", "user_request", "steps", "atomic_mode"],
  "properties": {
    "flow_id": {"type": "string", "minLength": 1},
    "user_request": {"type": "string"},
    "snapshot": {"type": "object"},
    "atomic_mode": {"enum": ["strict", "lenient", "conditional"]},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_id", "prompt_template", "description"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "prompt_template": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "required_capabilities": {"type": "array", "items": {"type": "string"}},
          "critical": {"type": "boolean"},
          "recovery": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["retry", "alternative_flow", "user_fulfillment"]},
              "attempts": {"type": "integer", "minimum": 1},
              "flow_id": {"type": "string"},
              "questions": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

var planSchemaLoader = gojsonschema.NewStringLoader(PlanSchema)

// ParsePlanDocument validates a JSON plan document against PlanSchema and
// unmarshals it. Duplicate step IDs are rejected here, since a document is
// the one place the ids arrive from outside the process.
func ParsePlanDocument(data []byte) (*FlowPlan, error) {
	if err := ValidatePlanDocument(data); err != nil {
		return nil, err
	}

	var plan FlowPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan document: %w", err)
	}

	seen := make(map[string]struct{}, len(plan.Steps))
	for _, s := range plan.Steps {
		if _, dup := seen[s.StepID]; dup {
			return nil, fmt.Errorf("duplicate step id %q in plan %s", s.StepID, plan.FlowID)
		}
		seen[s.StepID] = struct{}{}
	}

	return &plan, nil
}

// ValidatePlanDocument checks a JSON plan document against PlanSchema.
func ValidatePlanDocument(data []byte) error {
	result, err := gojsonschema.Validate(planSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("plan schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid plan document: %s", strings.Join(msgs, "; "))
	}

	return nil
}
