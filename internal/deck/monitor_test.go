package deck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonicat/keydeck/internal/device"
)

func serials(m *Manager) []string {
	var out []string
	for _, info := range m.Devices() {
		out = append(out, info.Serial)
	}
	return out
}

func TestMonitorFollowsConnectivity(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	a, b := newDeck("S1"), newDeck("S2")
	mon := NewMonitor(m, Transports{a, b}, time.Hour, nil)

	mon.Poll()
	assert.Equal(t, []string{"S1", "S2"}, serials(m))

	a.Unplug()
	mon.Poll()
	assert.Equal(t, []string{"S2"}, serials(m))
	assert.Equal(t, 1, a.Closes())

	a.Replug()
	mon.Poll()
	assert.Equal(t, []string{"S1", "S2"}, serials(m))
}

func TestMonitorReattachesReleasedDevice(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := newDeck("S1")
	mon := NewMonitor(m, Transports{d}, time.Hour, nil)

	mon.Poll()
	require.Equal(t, []string{"S1"}, serials(m))

	m.Detach(d.ID())
	require.Empty(t, serials(m))
	mon.Poll()
	assert.Equal(t, []string{"S1"}, serials(m))
	assert.True(t, d.IsOpen())
}

func TestMonitorRunDetachesOnStop(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := newDeck("S1")
	mon := NewMonitor(m, Transports{d}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool { return len(m.Devices()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Empty(t, m.Devices())
	assert.Equal(t, 1, d.Closes())
}

func TestMonitorSurvivesEnumerationErrors(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	calls := 0
	mon := NewMonitor(m, EnumeratorFunc(func() ([]device.Transport, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("bus busy")
		}
		return []device.Transport{newDeck("S1")}, nil
	}), time.Hour, nil)

	mon.Poll()
	assert.Empty(t, m.Devices())
	mon.Poll()
	assert.Equal(t, []string{"S1"}, serials(m))
}
