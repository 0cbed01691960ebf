package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros-sub004/envelope"
)

// fakeClock is a settable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func heartbeatEnvelope(zooid, niche string, uptime float64, processed uint64) *envelope.Envelope {
	hb := envelope.Heartbeat{Zooid: zooid, Niche: niche, UptimeS: uptime, Processed: processed}
	return envelope.New("umn.heartbeat", zooid, 0, hb.Facts())
}

func TestMonitorObserveAndStatus(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMonitor(10*time.Second, WithClock(clock.now))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 42.5, 100))

	status, ok := m.Status("zooid-1")
	require.True(t, ok)
	assert.Equal(t, "zooid-1", status.Zooid)
	assert.Equal(t, "listener", status.Niche)
	assert.Equal(t, StateAlive, status.State)
	assert.True(t, status.IsAlive())
	assert.Equal(t, 42.5, status.UptimeS)
	assert.Equal(t, uint64(100), status.Processed)

	_, ok = m.Status("zooid-unknown")
	assert.False(t, ok)
}

func TestMonitorStateDecay(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMonitor(10*time.Second, WithClock(clock.now))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))

	tests := []struct {
		name    string
		advance time.Duration
		want    State
	}{
		{"fresh", 0, StateAlive},
		{"one interval late", 15 * time.Second, StateAlive},
		{"past two intervals", 10 * time.Second, StateStale},
		{"past five intervals", 30 * time.Second, StateLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.advance(tt.advance)
			status, ok := m.Status("zooid-1")
			require.True(t, ok)
			assert.Equal(t, tt.want, status.State)
		})
	}

	assert.Equal(t, []string{"zooid-1"}, m.Lost())
}

func TestMonitorCustomThresholds(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMonitor(10*time.Second, WithClock(clock.now), WithThresholds(1, 2))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))

	clock.advance(15 * time.Second)
	status, _ := m.Status("zooid-1")
	assert.Equal(t, StateStale, status.State)

	clock.advance(10 * time.Second)
	status, _ = m.Status("zooid-1")
	assert.Equal(t, StateLost, status.State)
}

func TestMonitorRejectsBadThresholds(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	// Inverted thresholds fall back to the defaults.
	m := NewMonitor(10*time.Second, WithClock(clock.now), WithThresholds(5, 2))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))
	clock.advance(15 * time.Second)
	status, _ := m.Status("zooid-1")
	assert.Equal(t, StateAlive, status.State)
}

func TestMonitorFreshHeartbeatRevives(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMonitor(10*time.Second, WithClock(clock.now))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))
	clock.advance(2 * time.Minute)

	status, _ := m.Status("zooid-1")
	require.Equal(t, StateLost, status.State)

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 120, 50))
	status, _ = m.Status("zooid-1")
	assert.Equal(t, StateAlive, status.State)
	assert.Equal(t, uint64(50), status.Processed)
}

func TestMonitorSnapshot(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMonitor(10*time.Second, WithClock(clock.now))

	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))
	clock.advance(time.Minute)
	m.Observe(heartbeatEnvelope("zooid-2", "digester", 1, 1))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StateLost, snap["zooid-1"].State)
	assert.Equal(t, StateAlive, snap["zooid-2"].State)
	assert.Equal(t, 2, m.Count())
}

func TestMonitorIgnoresAnonymousHeartbeats(t *testing.T) {
	m := NewMonitor(10 * time.Second)
	m.Observe(envelope.New("umn.heartbeat", "eco", 0, envelope.Facts{"uptime_s": 5.0}))
	assert.Equal(t, 0, m.Count())
}

func TestMonitorHandler(t *testing.T) {
	m := NewMonitor(10 * time.Second)
	handler := m.Handler()

	require.NoError(t, handler(heartbeatEnvelope("zooid-1", "listener", 1, 1)))
	status, ok := m.Status("zooid-1")
	require.True(t, ok)
	assert.Equal(t, StateAlive, status.State)
}

func TestMonitorForget(t *testing.T) {
	m := NewMonitor(10 * time.Second)
	m.Observe(heartbeatEnvelope("zooid-1", "listener", 1, 1))
	m.Forget("zooid-1")
	_, ok := m.Status("zooid-1")
	assert.False(t, ok)
}
