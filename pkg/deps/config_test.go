package deps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend command", func(c *Config) { c.Backend.Command = "" }},
		{"zero port", func(c *Config) { c.Agent.Port = 0 }},
		{"port out of range", func(c *Config) { c.Agent.Port = 70000 }},
		{"empty cache dir", func(c *Config) { c.Backend.CacheDir = "" }},
		{"empty log dir", func(c *Config) { c.Agent.LogDir = "" }},
		{"zero startup timeout", func(c *Config) { c.Agent.StartupTimeout = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.Backend.ShutdownTimeout = 0 }},
		{"shared port", func(c *Config) { c.Agent.Port = c.Backend.Port }},
		{"unknown health kind", func(c *Config) { c.Agent.HealthKind = "carrier-pigeon" }},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero success threshold", func(c *Config) { c.SuccessThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServiceSpecEqual(t *testing.T) {
	base := DefaultConfig().Agent

	same := base
	assert.True(t, base.Equal(same))

	withArgs := base
	withArgs.Args = []string{"--verbose"}
	assert.False(t, base.Equal(withArgs))

	withEnv := base
	withEnv.Env = map[string]string{"MODEL": "gpt-x"}
	assert.False(t, base.Equal(withEnv))

	otherPort := base
	otherPort.Port++
	assert.False(t, base.Equal(otherPort))

	otherCache := base
	otherCache.CacheDir = "/somewhere/else"
	assert.False(t, base.Equal(otherCache))

	// Manager policy flags do not describe the process itself.
	unshared := base
	unshared.SharedInstances = false
	assert.True(t, base.Equal(unshared))
}
