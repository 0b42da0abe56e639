package deps

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// managed is the manager's record of one running sidecar.
type managed struct {
	spec   ServiceSpec
	pid    int
	refs   int
	health hysteresis
}

// Manager owns the sidecar processes flow runs depend on. Instances are
// shared: each EnsureDependencies call takes a reference, and a service is
// only stopped once every reference is released.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	host     ProcessHost
	prober   Prober
	services map[string]*managed
	logger   zerolog.Logger

	// pollInterval paces startup and port-release polling; tests shrink it.
	pollInterval time.Duration
}

// NewManager builds a manager over real host processes.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependency config: %w", err)
	}
	return &Manager{
		cfg:          cfg,
		host:         NewOSProcessHost(),
		prober:       NewChecker(cfg.ProbeTimeout),
		services:     make(map[string]*managed),
		logger:       logger,
		pollInterval: 200 * time.Millisecond,
	}, nil
}

// NewManagerWithHost builds a manager over a custom process host and
// prober. Tests use this with fakes.
func NewManagerWithHost(cfg Config, host ProcessHost, prober Prober, logger zerolog.Logger) (*Manager, error) {
	m, err := NewManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	m.host = host
	m.prober = prober
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// EnsureDependencies makes sure the backend and agent are both running and
// healthy, starting whichever is missing. Each call takes one reference on
// each service; pair it with Cleanup.
func (m *Manager) EnsureDependencies(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ensureLocked(ctx, m.cfg.Backend); err != nil {
		return err
	}
	if _, err := m.ensureLocked(ctx, m.cfg.Agent); err != nil {
		return err
	}
	return nil
}

// ensureLocked starts the service if needed and takes a reference. Caller
// holds the lock.
func (m *Manager) ensureLocked(ctx context.Context, spec ServiceSpec) (*managed, error) {
	if svc, ok := m.services[spec.Name]; ok && m.host.IsAlive(svc.pid) {
		if spec.SharedInstances {
			svc.refs++
		}
		m.logger.Debug().
			Str("service", spec.Name).
			Int("pid", svc.pid).
			Int("refs", svc.refs).
			Msg("Reusing running service")
		return svc, nil
	}
	// A dead entry is stale state; drop it before restarting.
	delete(m.services, spec.Name)

	pid, adopted, err := m.adoptPortOwnerLocked(ctx, spec)
	if err != nil {
		return nil, err
	}

	if !adopted {
		if !spec.AutoStart {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotRunning, spec.Name)
		}
		pid, err = m.startAndAwaitHealthyLocked(ctx, spec)
		if err != nil {
			return nil, err
		}
	}

	svc := &managed{spec: spec, pid: pid, refs: 1, health: newHysteresis()}
	svc.health.observe(true, m.cfg.FailureThreshold, m.cfg.SuccessThreshold)
	m.services[spec.Name] = svc
	return svc, nil
}

// adoptPortOwnerLocked handles a port that is already occupied. A process
// that answers the health probe is adopted as the running instance; one
// that does not answer makes the port unusable.
func (m *Manager) adoptPortOwnerLocked(ctx context.Context, spec ServiceSpec) (int, bool, error) {
	owners, err := m.host.PortOwners(spec.Port)
	if err != nil {
		m.logger.Warn().Err(err).Int("port", spec.Port).Msg("Could not inspect port owners")
		return 0, false, nil
	}
	if len(owners) == 0 {
		return 0, false, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	probeErr := m.prober.Probe(probeCtx, spec)
	cancel()
	if probeErr != nil {
		return 0, false, fmt.Errorf("%w: port %d held by pid(s) %v", ErrPortInUse, spec.Port, owners)
	}

	m.logger.Info().
		Str("service", spec.Name).
		Int("pid", owners[0]).
		Int("port", spec.Port).
		Msg("Adopting healthy instance already on port")
	return owners[0], true, nil
}

// startAndAwaitHealthyLocked launches the process and polls its health
// probe until it answers or the startup timeout elapses.
func (m *Manager) startAndAwaitHealthyLocked(ctx context.Context, spec ServiceSpec) (int, error) {
	pid, err := m.host.Start(ctx, spec)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(spec.StartupTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		probeErr := m.prober.Probe(probeCtx, spec)
		cancel()

		if probeErr == nil {
			m.logger.Info().
				Str("service", spec.Name).
				Int("pid", pid).
				Msg("Service is healthy")
			return pid, nil
		}
		if time.Now().After(deadline) {
			m.host.Signal(pid, syscall.SIGKILL)
			return 0, fmt.Errorf("%w: %s: %v", ErrStartupTimeout, spec.Name, probeErr)
		}

		select {
		case <-ctx.Done():
			m.host.Signal(pid, syscall.SIGKILL)
			return 0, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// UpdateConfigAndRestartAgent swaps in a new agent spec. When the spec is
// unchanged and the agent is alive, the running instance is reused and the
// same pid comes back. Otherwise the old agent is stopped, its port is
// verified released, and a fresh one is started. The boolean reports
// whether a restart happened.
func (m *Manager) UpdateConfigAndRestartAgent(ctx context.Context, spec ServiceSpec) (int, bool, error) {
	if err := ValidateSpec(spec); err != nil {
		return 0, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.services[m.cfg.Agent.Name]
	if ok && current.spec.Equal(spec) && m.host.IsAlive(current.pid) {
		m.logger.Info().
			Str("service", spec.Name).
			Int("pid", current.pid).
			Msg("Agent config unchanged, reusing running instance")
		return current.pid, false, nil
	}

	if ok {
		refs := current.refs
		if err := m.stopLocked(current); err != nil {
			return 0, false, err
		}
		delete(m.services, m.cfg.Agent.Name)

		if err := m.awaitPortReleaseLocked(current.spec); err != nil {
			return 0, false, err
		}

		pid, err := m.startAndAwaitHealthyLocked(ctx, spec)
		if err != nil {
			return 0, false, err
		}
		svc := &managed{spec: spec, pid: pid, refs: refs, health: newHysteresis()}
		svc.health.observe(true, m.cfg.FailureThreshold, m.cfg.SuccessThreshold)
		m.services[spec.Name] = svc
		m.cfg.Agent = spec
		return pid, true, nil
	}

	m.cfg.Agent = spec
	svc, err := m.ensureLocked(ctx, spec)
	if err != nil {
		return 0, false, err
	}
	return svc.pid, true, nil
}

// stopLocked terminates a service: SIGTERM first, escalating to SIGKILL if
// it outlives the shutdown timeout. Caller holds the lock.
func (m *Manager) stopLocked(svc *managed) error {
	if !m.host.IsAlive(svc.pid) {
		return nil
	}

	m.logger.Info().
		Str("service", svc.spec.Name).
		Int("pid", svc.pid).
		Msg("Stopping service")

	if err := m.host.Signal(svc.pid, syscall.SIGTERM); err != nil {
		m.logger.Warn().Err(err).Int("pid", svc.pid).Msg("SIGTERM failed")
	}

	deadline := time.Now().Add(svc.spec.ShutdownTimeout)
	for m.host.IsAlive(svc.pid) {
		if time.Now().After(deadline) {
			m.logger.Warn().
				Str("service", svc.spec.Name).
				Int("pid", svc.pid).
				Msg("Service ignored SIGTERM, escalating to SIGKILL")
			return m.host.Signal(svc.pid, syscall.SIGKILL)
		}
		time.Sleep(m.pollInterval)
	}
	return nil
}

// awaitPortReleaseLocked polls until nothing listens on the service's port.
func (m *Manager) awaitPortReleaseLocked(spec ServiceSpec) error {
	deadline := time.Now().Add(spec.ShutdownTimeout)
	for {
		if !m.host.PortOpen(spec.Addr(), m.pollInterval) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s port %d", ErrPortNotReleased, spec.Name, spec.Port)
		}
		time.Sleep(m.pollInterval)
	}
}

// StopService stops a managed service regardless of reference count.
func (m *Manager) StopService(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotManaged, name)
	}
	if err := m.stopLocked(svc); err != nil {
		return err
	}
	delete(m.services, name)
	return nil
}

// Cleanup releases one reference on every managed service and stops those
// whose count reaches zero. Services still referenced by other runs keep
// running.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, svc := range m.services {
		if svc.refs > 0 {
			svc.refs--
		}
		// Unshared instances go down on the first release.
		if svc.refs > 0 && svc.spec.SharedInstances {
			m.logger.Debug().
				Str("service", name).
				Int("refs", svc.refs).
				Msg("Service still referenced, leaving it running")
			continue
		}
		if err := m.stopLocked(svc); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.services, name)
	}
	return firstErr
}

// ForceCleanup kills everything: managed services and any stray process
// squatting on the configured ports. Used when a previous run died without
// cleaning up.
func (m *Manager) ForceCleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, svc := range m.services {
		if m.host.IsAlive(svc.pid) {
			m.host.Signal(svc.pid, syscall.SIGKILL)
		}
		delete(m.services, name)
	}

	for _, spec := range []ServiceSpec{m.cfg.Backend, m.cfg.Agent} {
		strays := make(map[int]struct{})

		owners, err := m.host.PortOwners(spec.Port)
		if err != nil {
			m.logger.Warn().Err(err).Int("port", spec.Port).Msg("Could not scan port for strays")
		}
		for _, pid := range owners {
			strays[pid] = struct{}{}
		}

		byName, err := m.host.FindProcessByName(spec.Command)
		if err != nil {
			m.logger.Warn().Err(err).Str("command", spec.Command).Msg("Could not scan processes by name")
		}
		for _, pid := range byName {
			strays[pid] = struct{}{}
		}

		for pid := range strays {
			m.logger.Warn().
				Int("pid", pid).
				Int("port", spec.Port).
				Str("service", spec.Name).
				Msg("Killing stray service process")
			m.host.Signal(pid, syscall.SIGKILL)
		}
	}
	return nil
}

// GetHealthStatus returns the current status of every managed service.
func (m *Manager) GetHealthStatus() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.services))
	for name, svc := range m.services {
		out[name] = svc.health.status
	}
	return out
}

// AreDependenciesHealthy reports whether every managed service is healthy.
// With nothing managed there is nothing unhealthy, so it returns true.
func (m *Manager) AreDependenciesHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, svc := range m.services {
		if svc.health.status != StatusHealthy {
			return false
		}
	}
	return true
}

// ManagedServices returns the specs of all currently managed services.
func (m *Manager) ManagedServices() []ServiceSpec {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServiceSpec, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc.spec)
	}
	return out
}

// ServicePID returns the pid of a managed service.
func (m *Manager) ServicePID(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return 0, false
	}
	return svc.pid, true
}

// recordProbe folds a probe result into the service's hysteresis state.
// The monitor calls this after each probe round.
func (m *Manager) recordProbe(name string, ok bool) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, found := m.services[name]
	if !found {
		return StatusUnknown, false
	}
	return svc.health.observe(ok, m.cfg.FailureThreshold, m.cfg.SuccessThreshold)
}
