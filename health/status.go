package health

import "time"

// State classifies a zooid's liveness.
type State string

const (
	// StateAlive means a heartbeat arrived within the expected interval.
	StateAlive State = "alive"
	// StateStale means heartbeats have slipped but the zooid is not yet
	// written off.
	StateStale State = "stale"
	// StateLost means no heartbeat for long enough that the zooid is
	// presumed dead or wedged.
	StateLost State = "lost"
)

// Default liveness thresholds, in heartbeat intervals. A zooid is alive
// within DefaultStaleAfter intervals of its last heartbeat and lost past
// DefaultLostAfter. Monitors can override both via WithThresholds.
const (
	DefaultStaleAfter = 2
	DefaultLostAfter  = 5
)

// Status is the liveness record for one zooid.
type Status struct {
	Zooid     string    `json:"zooid"`
	Niche     string    `json:"niche"`
	State     State     `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
	UptimeS   float64   `json:"uptime_s"`
	Processed uint64    `json:"processed"`
}

// IsAlive reports whether the zooid heartbeated recently.
func (s Status) IsAlive() bool {
	return s.State == StateAlive
}

// classify derives the state from the time since the last heartbeat.
func classify(sinceLast, interval time.Duration, staleAfter, lostAfter int) State {
	switch {
	case sinceLast < time.Duration(staleAfter)*interval:
		return StateAlive
	case sinceLast < time.Duration(lostAfter)*interval:
		return StateStale
	default:
		return StateLost
	}
}
