package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero step timeout", func(c *Config) { c.Executor.StepTimeout = 0 }},
		{"zero base delay", func(c *Config) { c.Executor.Recovery.BaseRetryDelay = 0 }},
		{"max below base", func(c *Config) { c.Executor.Recovery.MaxRetryDelay = time.Millisecond }},
		{"multiplier below one", func(c *Config) { c.Executor.Recovery.BackoffMultiplier = 0.5 }},
		{"bad deps port", func(c *Config) { c.Deps.Agent.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "floweval.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Executor.StepTimeout, cfg.Executor.StepTimeout)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floweval.json")
	content := `{
		"executor": {"step_timeout": 60000000000},
		"logging": {"level": "debug"},
		"data_dir": "/tmp/floweval-test"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Executor.StepTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/floweval-test", cfg.DataDir)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().Deps.Backend.Port, cfg.Deps.Backend.Port)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floweval.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/floweval-roundtrip"
	cfg.Logging.Level = "warn"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/floweval-roundtrip", loaded.DataDir)
	assert.Equal(t, "warn", loaded.Logging.Level)
}
