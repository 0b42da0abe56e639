// Package agent is the HTTP client for the agent service under
// evaluation. It speaks the service's step-generation endpoint and turns
// responses into step results the executor understands.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aruna/floweval/pkg/flow"
)

// Config holds the connection settings for the agent service.
type Config struct {
	// BaseURL is the agent's HTTP base URL, e.g. http://127.0.0.1:9090.
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// APIKey is sent as a bearer token when set.
	APIKey string `json:"api_key,omitempty" mapstructure:"api_key"`
	// Timeout bounds one HTTP round trip. The executor applies its own
	// per-step timeout on top via the request context.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig points at the standard local agent sidecar.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9090",
		Timeout: 5 * time.Minute,
	}
}

// Client implements execution.AgentExecutor over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient builds a client for the agent service.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "agent-client").Logger(),
	}
}

// stepRequest is the wire payload for one step generation call.
type stepRequest struct {
	StepID string `json:"step_id"`
	Prompt string `json:"prompt"`
}

// stepResponse mirrors the agent's reply. Transactions stay loosely typed
// so the execution context can extract signatures and amounts from
// whatever fields the agent filled in.
type stepResponse struct {
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	ToolCalls    []string `json:"tool_calls,omitempty"`
	Transactions []any    `json:"transactions,omitempty"`
}

// ExecuteStep posts the rendered prompt to the agent and converts the
// reply into a step result. Transport failures are returned as errors;
// an agent that answered but failed the step comes back as an
// unsuccessful result.
func (c *Client) ExecuteStep(ctx context.Context, step flow.Step, prompt string) (*flow.StepResult, error) {
	body, err := json.Marshal(stepRequest{StepID: step.StepID, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encoding step request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/gen/tx", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent for step %s: %w", step.StepID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent response for step %s: %w", step.StepID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent returned status %d for step %s: %s",
			resp.StatusCode, step.StepID, truncate(string(raw), 200))
	}

	var reply stepResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding agent response for step %s: %w", step.StepID, err)
	}

	elapsed := time.Since(start)
	c.logger.Debug().
		Str("step_id", step.StepID).
		Bool("success", reply.Success).
		Int("tool_calls", len(reply.ToolCalls)).
		Dur("duration", elapsed).
		Msg("Agent answered step")

	result := &flow.StepResult{
		StepID:       step.StepID,
		Success:      reply.Success,
		Duration:     elapsed,
		ToolCalls:    reply.ToolCalls,
		ErrorMessage: reply.Error,
	}
	if len(reply.Transactions) > 0 {
		result.Output = map[string]any{"transactions": reply.Transactions}
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
