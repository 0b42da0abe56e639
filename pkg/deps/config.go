// Package deps manages sidecar dependencies for flow runs: it starts the
// backing services an evaluation needs, shares running instances across
// concurrent runs, probes their health, and tears them down when the last
// user lets go.
package deps

import (
	"fmt"
	"path/filepath"
	"time"
)

// HealthKind selects how a service is probed.
type HealthKind string

const (
	// HealthHTTP probes GET /health and expects a 2xx response.
	HealthHTTP HealthKind = "http"
	// HealthJSONRPC probes a JSON-RPC getHealth call and expects a
	// non-error response.
	HealthJSONRPC HealthKind = "jsonrpc"
)

// ServiceSpec describes one sidecar process.
type ServiceSpec struct {
	Name            string            `json:"name" mapstructure:"name"`
	Command         string            `json:"command" mapstructure:"command"`
	Args            []string          `json:"args,omitempty" mapstructure:"args"`
	Port            int               `json:"port" mapstructure:"port"`
	CacheDir        string            `json:"cache_dir" mapstructure:"cache_dir"`
	LogDir          string            `json:"log_dir" mapstructure:"log_dir"`
	Env             map[string]string `json:"env,omitempty" mapstructure:"env"`
	HealthKind      HealthKind        `json:"health_kind" mapstructure:"health_kind"`
	StartupTimeout  time.Duration     `json:"startup_timeout" mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration     `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// AutoStart lets the manager spawn the process itself. When false the
	// service must already be serving on its port or ensure fails.
	AutoStart bool `json:"auto_start" mapstructure:"auto_start"`

	// SharedInstances makes concurrent runs reference-count one instance.
	// When false the service is stopped on the first Cleanup regardless of
	// how many runs ensured it.
	SharedInstances bool `json:"shared_instances" mapstructure:"shared_instances"`
}

// Addr returns the service's local TCP address.
func (s ServiceSpec) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.Port)
}

// BaseURL returns the service's local HTTP base URL.
func (s ServiceSpec) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port)
}

// Equal reports whether two specs describe the same process configuration.
// A running instance can be reused only when the specs are equal. AutoStart
// and SharedInstances are manager policy, not process parameters, so they
// never force a restart.
func (s ServiceSpec) Equal(other ServiceSpec) bool {
	if s.Name != other.Name ||
		s.Command != other.Command ||
		s.Port != other.Port ||
		s.CacheDir != other.CacheDir ||
		s.LogDir != other.LogDir ||
		s.HealthKind != other.HealthKind {
		return false
	}
	if len(s.Args) != len(other.Args) {
		return false
	}
	for i := range s.Args {
		if s.Args[i] != other.Args[i] {
			return false
		}
	}
	if len(s.Env) != len(other.Env) {
		return false
	}
	for k, v := range s.Env {
		if other.Env[k] != v {
			return false
		}
	}
	return true
}

// Config holds the full dependency-manager configuration.
type Config struct {
	Backend ServiceSpec `json:"backend" mapstructure:"backend"`
	Agent   ServiceSpec `json:"agent" mapstructure:"agent"`

	ProbeInterval    time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" mapstructure:"success_threshold"`
}

// DefaultConfig returns the standard sidecar pair: a JSON-RPC backend and
// an HTTP agent.
func DefaultConfig() Config {
	return Config{
		Backend: ServiceSpec{
			Name:            "backend",
			Command:         "floweval-backend",
			Port:            8899,
			CacheDir:        filepath.Join(".floweval", "cache", "backend"),
			LogDir:          filepath.Join(".floweval", "logs"),
			HealthKind:      HealthJSONRPC,
			StartupTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AutoStart:       true,
			SharedInstances: true,
		},
		Agent: ServiceSpec{
			Name:            "agent",
			Command:         "floweval-agent",
			Port:            9090,
			CacheDir:        filepath.Join(".floweval", "cache", "agent"),
			LogDir:          filepath.Join(".floweval", "logs"),
			HealthKind:      HealthHTTP,
			StartupTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AutoStart:       true,
			SharedInstances: true,
		},
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

// ValidateSpec checks a single service spec.
func ValidateSpec(spec ServiceSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if spec.Command == "" {
		return fmt.Errorf("service %s: command is required", spec.Name)
	}
	if spec.Port <= 0 || spec.Port > 65535 {
		return fmt.Errorf("service %s: invalid port %d", spec.Name, spec.Port)
	}
	if spec.CacheDir == "" {
		return fmt.Errorf("service %s: cache directory is required", spec.Name)
	}
	if spec.LogDir == "" {
		return fmt.Errorf("service %s: log directory is required", spec.Name)
	}
	if spec.StartupTimeout <= 0 {
		return fmt.Errorf("service %s: startup timeout must be positive", spec.Name)
	}
	if spec.ShutdownTimeout <= 0 {
		return fmt.Errorf("service %s: shutdown timeout must be positive", spec.Name)
	}
	switch spec.HealthKind {
	case HealthHTTP, HealthJSONRPC:
	default:
		return fmt.Errorf("service %s: unknown health kind %q", spec.Name, spec.HealthKind)
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateSpec(c.Backend); err != nil {
		return err
	}
	if err := ValidateSpec(c.Agent); err != nil {
		return err
	}
	if c.Backend.Port == c.Agent.Port {
		return fmt.Errorf("backend and agent cannot share port %d", c.Backend.Port)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1")
	}
	return nil
}
