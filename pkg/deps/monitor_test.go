package deps

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorEmitsTransitionEvents(t *testing.T) {
	host := newFakeHost()
	prober := newFakeProber()
	m := newTestManager(t, host, prober)
	require.NoError(t, m.EnsureDependencies(context.Background()))

	monitor := NewMonitor(m, zerolog.Nop())

	// Healthy rounds produce no events.
	monitor.probeRound()
	select {
	case ev := <-monitor.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}

	// Three failing rounds: degraded on the first, unhealthy on the third.
	prober.setFailing("agent", true)
	monitor.probeRound()
	monitor.probeRound()
	monitor.probeRound()

	var events []Event
	for len(monitor.Events()) > 0 {
		events = append(events, <-monitor.Events())
	}
	require.Len(t, events, 2)
	assert.Equal(t, "agent", events[0].Service)
	assert.Equal(t, StatusDegraded, events[0].Status)
	assert.Equal(t, StatusUnhealthy, events[1].Status)
	assert.NotEmpty(t, events[1].Error)
	assert.False(t, events[1].At.IsZero())

	// Two healthy rounds bring it back.
	prober.setFailing("agent", false)
	monitor.probeRound()
	monitor.probeRound()

	var ev Event
	select {
	case ev = <-monitor.Events():
	default:
		t.Fatal("expected a recovery event")
	}
	assert.Equal(t, StatusHealthy, ev.Status)

	stats := monitor.Stats()
	assert.Equal(t, 6, stats.ProbeRounds)
	assert.Equal(t, 3, stats.Transitions)
	assert.False(t, stats.LastProbe.IsZero())
}

func TestMonitorStartAndStop(t *testing.T) {
	host := newFakeHost()
	m := newTestManager(t, host, newFakeProber())
	require.NoError(t, m.EnsureDependencies(context.Background()))

	monitor := NewMonitor(m, zerolog.Nop())
	require.NoError(t, monitor.Start())
	assert.Error(t, monitor.Start(), "double start must fail")

	// Wait for at least one scheduled round.
	deadline := time.Now().Add(2 * time.Second)
	for monitor.Stats().ProbeRounds == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, monitor.Stats().ProbeRounds, 0)

	monitor.Stop()
	_, open := <-monitor.Events()
	assert.False(t, open, "event channel must be closed after Stop")
}
