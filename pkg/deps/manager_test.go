package deps

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost simulates processes and port ownership in memory.
type fakeHost struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	ports   map[int][]int // port -> owner pids
	names   map[int]string
	started []ServiceSpec
	signals map[int][]syscall.Signal
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextPID: 1000,
		alive:   make(map[int]bool),
		ports:   make(map[int][]int),
		names:   make(map[int]string),
		signals: make(map[int][]syscall.Signal),
	}
}

func (f *fakeHost) Start(ctx context.Context, spec ServiceSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.ports[spec.Port] = append(f.ports[spec.Port], pid)
	f.names[pid] = spec.Command
	f.started = append(f.started, spec)
	return pid, nil
}

func (f *fakeHost) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.signals[pid] = append(f.signals[pid], sig)
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		f.alive[pid] = false
		for port, owners := range f.ports {
			var kept []int
			for _, owner := range owners {
				if owner != pid {
					kept = append(kept, owner)
				}
			}
			f.ports[port] = kept
		}
	}
	return nil
}

func (f *fakeHost) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeHost) PortOwners(port int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports[port]...), nil
}

func (f *fakeHost) PortOpen(addr string, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for port, owners := range f.ports {
		if len(owners) > 0 && addrHasPort(addr, port) {
			return true
		}
	}
	return false
}

func addrHasPort(addr string, port int) bool {
	spec := ServiceSpec{Port: port}
	return spec.Addr() == addr
}

func (f *fakeHost) FindProcessByName(name string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pids []int
	for pid, procName := range f.names {
		if procName == name && f.alive[pid] {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (f *fakeHost) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeHost) occupyPort(port, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
	f.ports[port] = append(f.ports[port], pid)
}

func (f *fakeHost) spawnNamed(name string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
	f.names[pid] = name
}

func (f *fakeHost) signalsFor(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals[pid]...)
}

// fakeProber answers probes from a per-service script.
type fakeProber struct {
	mu   sync.Mutex
	fail map[string]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{fail: make(map[string]bool)}
}

func (f *fakeProber) Probe(ctx context.Context, spec ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[spec.Name] {
		return assert.AnError
	}
	return nil
}

func (f *fakeProber) setFailing(name string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = failing
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend.StartupTimeout = time.Second
	cfg.Backend.ShutdownTimeout = time.Second
	cfg.Agent.StartupTimeout = time.Second
	cfg.Agent.ShutdownTimeout = time.Second
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ProbeTimeout = 50 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, host *fakeHost, prober Prober) *Manager {
	t.Helper()
	m, err := NewManagerWithHost(testConfig(), host, prober, zerolog.Nop())
	require.NoError(t, err)
	m.pollInterval = time.Millisecond
	return m
}

func TestEnsureDependenciesStartsBoth(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))

	assert.Equal(t, 2, host.startCount())
	assert.True(t, m.AreDependenciesHealthy())

	status := m.GetHealthStatus()
	assert.Equal(t, StatusHealthy, status["backend"])
	assert.Equal(t, StatusHealthy, status["agent"])
}

func TestEnsureDependenciesReusesRunningInstances(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))
	firstPID, ok := m.ServicePID("agent")
	require.True(t, ok)

	require.NoError(t, m.EnsureDependencies(context.Background()))
	secondPID, ok := m.ServicePID("agent")
	require.True(t, ok)

	assert.Equal(t, firstPID, secondPID)
	assert.Equal(t, 2, host.startCount())
}

func TestEnsureDependenciesPortConflict(t *testing.T) {
	host := newFakeHost()
	host.occupyPort(8899, 1) // stranger on the backend port
	prober := newFakeProber()
	prober.setFailing("backend", true) // and it is not a working backend
	m := newTestManager(t, host, prober)

	err := m.EnsureDependencies(context.Background())
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestEnsureDependenciesAdoptsHealthyPortOwner(t *testing.T) {
	host := newFakeHost()
	host.occupyPort(8899, 42) // a backend someone started by hand
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))

	// Only the agent was spawned; the backend instance was adopted.
	assert.Equal(t, 1, host.startCount())
	pid, ok := m.ServicePID("backend")
	require.True(t, ok)
	assert.Equal(t, 42, pid)
	assert.True(t, m.AreDependenciesHealthy())
}

func TestEnsureDependenciesAutoStartDisabled(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())
	m.cfg.Backend.AutoStart = false

	err := m.EnsureDependencies(context.Background())
	assert.ErrorIs(t, err, ErrServiceNotRunning)
	assert.Zero(t, host.startCount())
}

func TestEnsureDependenciesStartupTimeout(t *testing.T) {
	host := newFakeHost()
	prober := newFakeProber()
	prober.setFailing("backend", true)

	m := newTestManager(t, host, prober)
	m.cfg.Backend.StartupTimeout = 20 * time.Millisecond

	err := m.EnsureDependencies(context.Background())
	assert.ErrorIs(t, err, ErrStartupTimeout)
	// The unhealthy process must not be left behind.
	assert.Empty(t, m.ManagedServices())
}

func TestUpdateConfigAndRestartAgentReusesIdenticalConfig(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))
	oldPID, _ := m.ServicePID("agent")

	pid, restarted, err := m.UpdateConfigAndRestartAgent(context.Background(), m.Config().Agent)
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Equal(t, oldPID, pid)
	assert.Equal(t, 2, host.startCount())
}

func TestUpdateConfigAndRestartAgentRestartsOnChange(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))
	oldPID, _ := m.ServicePID("agent")

	spec := m.Config().Agent
	spec.Args = []string{"--model", "different-model"}

	pid, restarted, err := m.UpdateConfigAndRestartAgent(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.NotEqual(t, oldPID, pid)
	assert.False(t, host.IsAlive(oldPID))
	assert.Contains(t, host.signalsFor(oldPID), syscall.SIGTERM)

	got, _ := m.ServicePID("agent")
	assert.Equal(t, pid, got)
}

func TestUpdateConfigAndRestartAgentStartsWhenNotRunning(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	spec := m.Config().Agent
	pid, restarted, err := m.UpdateConfigAndRestartAgent(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.True(t, host.IsAlive(pid))
}

func TestCleanupRespectsReferenceCounts(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	// Two runs share the same sidecars.
	require.NoError(t, m.EnsureDependencies(context.Background()))
	require.NoError(t, m.EnsureDependencies(context.Background()))
	agentPID, _ := m.ServicePID("agent")

	// First release keeps everything running.
	require.NoError(t, m.Cleanup())
	assert.True(t, host.IsAlive(agentPID))
	assert.Len(t, m.ManagedServices(), 2)

	// Last release tears it down.
	require.NoError(t, m.Cleanup())
	assert.False(t, host.IsAlive(agentPID))
	assert.Empty(t, m.ManagedServices())
}

func TestCleanupStopsUnsharedInstanceImmediately(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())
	m.cfg.Backend.SharedInstances = false
	m.cfg.Agent.SharedInstances = false

	// Two runs ensure, but unshared instances ignore the reference count.
	require.NoError(t, m.EnsureDependencies(context.Background()))
	require.NoError(t, m.EnsureDependencies(context.Background()))
	agentPID, _ := m.ServicePID("agent")

	require.NoError(t, m.Cleanup())
	assert.False(t, host.IsAlive(agentPID))
	assert.Empty(t, m.ManagedServices())
}

func TestStopService(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))
	agentPID, _ := m.ServicePID("agent")

	require.NoError(t, m.StopService("agent"))
	assert.False(t, host.IsAlive(agentPID))

	err := m.StopService("agent")
	assert.ErrorIs(t, err, ErrServiceNotManaged)
}

func TestForceCleanupKillsStrays(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())

	require.NoError(t, m.EnsureDependencies(context.Background()))
	agentPID, _ := m.ServicePID("agent")

	// Strays from a dead run: one squatting on the backend port, one
	// findable only by executable name.
	host.occupyPort(8899, 77)
	host.spawnNamed("floweval-backend", 78)

	require.NoError(t, m.ForceCleanup())

	assert.False(t, host.IsAlive(agentPID))
	assert.False(t, host.IsAlive(77))
	assert.False(t, host.IsAlive(78))
	assert.Contains(t, host.signalsFor(77), syscall.SIGKILL)
	assert.Contains(t, host.signalsFor(78), syscall.SIGKILL)
	assert.Empty(t, m.ManagedServices())
}

func TestAreDependenciesHealthyVacuouslyTrue(t *testing.T) {
	m := newTestManager(t, newFakeHost(), newFakeProber())
	assert.True(t, m.AreDependenciesHealthy())
}
