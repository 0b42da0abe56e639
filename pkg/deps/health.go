package deps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status is a service's current health verdict.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Prober performs one health probe against a service.
type Prober interface {
	Probe(ctx context.Context, spec ServiceSpec) error
}

// Checker probes services over HTTP. It implements Prober.
type Checker struct {
	client *http.Client
}

// NewChecker builds a checker whose probes time out after probeTimeout.
func NewChecker(probeTimeout time.Duration) *Checker {
	return &Checker{
		client: &http.Client{Timeout: probeTimeout},
	}
}

// Probe runs the probe matching the service's health kind.
func (c *Checker) Probe(ctx context.Context, spec ServiceSpec) error {
	switch spec.HealthKind {
	case HealthJSONRPC:
		return c.probeJSONRPC(ctx, spec)
	default:
		return c.probeHTTP(ctx, spec)
	}
}

// probeHTTP expects GET /health to answer 2xx.
func (c *Checker) probeHTTP(ctx context.Context, spec ServiceSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.BaseURL()+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe for %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe for %s: unexpected status %d", spec.Name, resp.StatusCode)
	}
	return nil
}

// probeJSONRPC issues a getHealth call and expects a non-error result.
func (c *Checker) probeJSONRPC(ctx context.Context, spec ServiceSpec) error {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "getHealth",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.BaseURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("getHealth probe for %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("getHealth probe for %s: unexpected status %d", spec.Name, resp.StatusCode)
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("getHealth probe for %s: decoding response: %w", spec.Name, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("getHealth probe for %s: rpc error %d: %s", spec.Name, reply.Error.Code, reply.Error.Message)
	}
	return nil
}

// hysteresis debounces probe results so a single flaky probe never flips a
// service's status. Failures below the failure threshold leave the service
// degraded; at the threshold it goes unhealthy. Recovery out of degraded or
// unhealthy requires the success threshold in a row. The first success out
// of unknown counts immediately.
type hysteresis struct {
	status    Status
	failures  int
	successes int
}

func newHysteresis() hysteresis {
	return hysteresis{status: StatusUnknown}
}

// observe folds one probe result in and reports whether the status changed.
func (h *hysteresis) observe(ok bool, failureThreshold, successThreshold int) (Status, bool) {
	prev := h.status

	if ok {
		h.successes++
		h.failures = 0
		switch h.status {
		case StatusUnknown:
			h.status = StatusHealthy
		case StatusDegraded, StatusUnhealthy:
			if h.successes >= successThreshold {
				h.status = StatusHealthy
			}
		}
	} else {
		h.failures++
		h.successes = 0
		switch {
		case h.failures >= failureThreshold:
			h.status = StatusUnhealthy
		case h.status != StatusUnhealthy:
			h.status = StatusDegraded
		}
	}

	return h.status, h.status != prev
}

// reset returns the tracker to its initial state.
func (h *hysteresis) reset() {
	*h = newHysteresis()
}
