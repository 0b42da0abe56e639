// Package config loads and watches the evaluation harness configuration.
package config

import (
	"fmt"

	"github.com/aruna/floweval/pkg/deps"
	"github.com/aruna/floweval/pkg/execution"
)

// Config is the top-level harness configuration.
type Config struct {
	// Executor settings: step timeout plus recovery tuning.
	Executor execution.Config `json:"executor" mapstructure:"executor"`

	// Deps settings: the sidecar services flows run against.
	Deps deps.Config `json:"deps" mapstructure:"deps"`

	// Store settings
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging settings
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// StoreConfig holds result-store configuration.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Executor: execution.DefaultConfig(),
		Deps:     deps.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Executor.StepTimeout <= 0 {
		return fmt.Errorf("executor: step timeout must be positive")
	}
	if c.Executor.Recovery.BaseRetryDelay <= 0 {
		return fmt.Errorf("executor: base retry delay must be positive")
	}
	if c.Executor.Recovery.MaxRetryDelay < c.Executor.Recovery.BaseRetryDelay {
		return fmt.Errorf("executor: max retry delay must be at least the base delay")
	}
	if c.Executor.Recovery.BackoffMultiplier < 1 {
		return fmt.Errorf("executor: backoff multiplier must be at least 1")
	}
	if err := c.Deps.Validate(); err != nil {
		return fmt.Errorf("deps: %w", err)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	return nil
}
