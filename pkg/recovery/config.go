package recovery

import (
	"math"
	"strings"
	"time"
)

// Config tunes recovery behavior. Delays feed the exponential backoff
// between retry attempts; MaxRecoveryTime is a hard ceiling per step across
// all recovery attempts and strategies.
type Config struct {
	BaseRetryDelay        time.Duration `json:"base_retry_delay" mapstructure:"base_retry_delay"`
	MaxRetryDelay         time.Duration `json:"max_retry_delay" mapstructure:"max_retry_delay"`
	BackoffMultiplier     float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxRecoveryTime       time.Duration `json:"max_recovery_time" mapstructure:"max_recovery_time"`
	EnableAlternatives    bool          `json:"enable_alternatives" mapstructure:"enable_alternatives"`
	EnableUserFulfillment bool          `json:"enable_user_fulfillment" mapstructure:"enable_user_fulfillment"`
}

// DefaultConfig returns the production defaults. User fulfillment is off so
// fully automated pipelines never block on a human.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay:        time.Second,
		MaxRetryDelay:         10 * time.Second,
		BackoffMultiplier:     2.0,
		MaxRecoveryTime:       30 * time.Second,
		EnableAlternatives:    true,
		EnableUserFulfillment: false,
	}
}

// BackoffDelay returns the wait before retry attempt n (1-indexed):
// min(base * multiplier^(n-1), max). The sequence is non-decreasing until
// it clamps at MaxRetryDelay.
func BackoffDelay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.BaseRetryDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if capped := float64(cfg.MaxRetryDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// permanentErrors never warrant a retry: the same input will fail the same
// way.
var permanentErrors = []string{
	"insufficient funds",
	"invalid signature",
	"account not found",
	"invalid instruction",
	"custom program error",
	"permission denied",
	"authentication failed",
}

// transientErrors are expected to clear on their own.
var transientErrors = []string{
	"timeout",
	"network error",
	"connection refused",
	"rate limit",
	"temporary failure",
	"service unavailable",
	"stale reference",
}

// ShouldRetryError classifies an error message. Permanent failures are never
// retried; known transient failures always are; unclassified errors default
// to retry.
func ShouldRetryError(message string) bool {
	lower := strings.ToLower(message)

	for _, p := range permanentErrors {
		if strings.Contains(lower, p) {
			return false
		}
	}

	for _, t := range transientErrors {
		if strings.Contains(lower, t) {
			return true
		}
	}

	return true
}
