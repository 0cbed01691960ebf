package health

import (
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros-sub004/bus"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
)

// record is the raw observation kept per zooid; state is derived at
// read time so a silent zooid decays without new input.
type record struct {
	niche     string
	lastSeen  time.Time
	uptimeS   float64
	processed uint64
}

// Monitor tracks zooid liveness from heartbeat envelopes in a
// thread-safe manner.
type Monitor struct {
	mu         sync.RWMutex
	interval   time.Duration
	staleAfter int
	lostAfter  int
	now        func() time.Time
	records    map[string]record
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the monitor's time source for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithThresholds overrides the staleness factors, in heartbeat
// intervals. Non-positive or inverted values are ignored.
func WithThresholds(staleAfter, lostAfter int) MonitorOption {
	return func(m *Monitor) {
		if staleAfter > 0 && lostAfter > staleAfter {
			m.staleAfter = staleAfter
			m.lostAfter = lostAfter
		}
	}
}

// NewMonitor creates a monitor calibrated to the heartbeat interval the
// observed subscribers publish at.
func NewMonitor(interval time.Duration, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		interval:   interval,
		staleAfter: DefaultStaleAfter,
		lostAfter:  DefaultLostAfter,
		now:        time.Now,
		records:    make(map[string]record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe ingests one heartbeat envelope. Envelopes without a zooid in
// their facts are ignored.
func (m *Monitor) Observe(env *envelope.Envelope) {
	hb := envelope.HeartbeatFromFacts(env.Facts)
	if hb.Zooid == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[hb.Zooid] = record{
		niche:     hb.Niche,
		lastSeen:  m.now(),
		uptimeS:   hb.UptimeS,
		processed: hb.Processed,
	}
}

// Handler adapts the monitor into a bus handler for the heartbeat topic.
func (m *Monitor) Handler() bus.Handler {
	return func(env *envelope.Envelope) error {
		m.Observe(env)
		return nil
	}
}

// Status returns the liveness record for one zooid.
func (m *Monitor) Status(zooid string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[zooid]
	if !ok {
		return Status{}, false
	}
	return m.status(zooid, rec), true
}

// Snapshot returns the liveness of every observed zooid.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.records))
	for zooid, rec := range m.records {
		out[zooid] = m.status(zooid, rec)
	}
	return out
}

// Lost returns the zooids presumed dead or wedged.
func (m *Monitor) Lost() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lost []string
	for zooid, rec := range m.records {
		if classify(m.now().Sub(rec.lastSeen), m.interval, m.staleAfter, m.lostAfter) == StateLost {
			lost = append(lost, zooid)
		}
	}
	return lost
}

// Forget drops a zooid from monitoring, for organs retired on purpose.
func (m *Monitor) Forget(zooid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, zooid)
}

// Count returns the number of observed zooids.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// status materializes a Status from a record. Callers hold the lock.
func (m *Monitor) status(zooid string, rec record) Status {
	return Status{
		Zooid:     zooid,
		Niche:     rec.niche,
		State:     classify(m.now().Sub(rec.lastSeen), m.interval, m.staleAfter, m.lostAfter),
		LastSeen:  rec.lastSeen,
		UptimeS:   rec.uptimeS,
		Processed: rec.processed,
	}
}
