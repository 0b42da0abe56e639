package deps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Event is emitted whenever a service's health status changes.
type Event struct {
	Service string    `json:"service"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// MonitorStats summarizes a monitor's activity.
type MonitorStats struct {
	ProbeRounds int       `json:"probe_rounds"`
	Transitions int       `json:"transitions"`
	LastProbe   time.Time `json:"last_probe"`
}

// Monitor periodically probes every managed service and pushes status
// transitions onto its event channel.
type Monitor struct {
	manager *Manager
	prober  Prober
	logger  zerolog.Logger

	cron   *cron.Cron
	events chan Event

	mu      sync.Mutex
	stats   MonitorStats
	running bool
}

// NewMonitor builds a monitor over the manager's services.
func NewMonitor(manager *Manager, logger zerolog.Logger) *Monitor {
	return &Monitor{
		manager: manager,
		prober:  manager.prober,
		logger:  logger,
		events:  make(chan Event, 16),
	}
}

// Start schedules probe rounds at the configured interval.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	interval := m.manager.Config().ProbeInterval
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), m.probeRound); err != nil {
		return fmt.Errorf("scheduling health probes: %w", err)
	}
	m.cron.Start()
	m.running = true

	m.logger.Info().Dur("interval", interval).Msg("Health monitor started")
	return nil
}

// Stop halts probing and closes the event channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	c := m.cron
	m.mu.Unlock()

	// Wait for any in-flight probe round before closing the channel.
	<-c.Stop().Done()
	close(m.events)

	m.logger.Info().Msg("Health monitor stopped")
}

// Events returns the status-transition channel. It is closed by Stop.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// probeRound probes every managed service once and records transitions.
func (m *Monitor) probeRound() {
	cfg := m.manager.Config()
	specs := m.manager.ManagedServices()

	for _, spec := range specs {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
		probeErr := m.prober.Probe(ctx, spec)
		cancel()

		status, changed := m.manager.recordProbe(spec.Name, probeErr == nil)
		if !changed {
			continue
		}

		event := Event{Service: spec.Name, Status: status, At: time.Now()}
		if probeErr != nil {
			event.Error = probeErr.Error()
		}

		m.logger.Info().
			Str("service", spec.Name).
			Str("status", string(status)).
			Msg("Service health changed")

		m.mu.Lock()
		m.stats.Transitions++
		m.mu.Unlock()

		// Never block probing on a slow consumer.
		select {
		case m.events <- event:
		default:
			m.logger.Warn().Str("service", spec.Name).Msg("Event channel full, dropping health event")
		}
	}

	m.mu.Lock()
	m.stats.ProbeRounds++
	m.stats.LastProbe = time.Now()
	m.mu.Unlock()
}
