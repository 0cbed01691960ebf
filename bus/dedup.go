package bus

import "time"

// replayGuard tracks recently seen incident ids over a sliding window.
// Entries keep their insertion order; eviction walks from the oldest
// entry at check time and stops at the first one still inside the
// window. An id seen again refreshes its last-seen time without moving
// it, so a chatty incident can hold the front of the queue and delay
// eviction behind it. That is acceptable: the guard bounds duplicates,
// not memory, and incident ids are sparse.
//
// Not safe for concurrent use: the subscriber's receive loop owns it.
type replayGuard struct {
	window time.Duration
	seen   map[string]time.Time
	order  []string
	head   int
}

func newReplayGuard(window time.Duration) *replayGuard {
	return &replayGuard{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Seen reports whether id was observed within the window, recording the
// observation either way. An empty id is never a duplicate and never
// recorded. The first observation wins: callers drop duplicates whether
// or not the original's callback succeeded.
func (g *replayGuard) Seen(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	g.evict(now)

	if _, ok := g.seen[id]; ok {
		g.seen[id] = now
		return true
	}

	g.seen[id] = now
	g.order = append(g.order, id)
	return false
}

// evict drops entries from the front whose last-seen time has fallen out
// of the window.
func (g *replayGuard) evict(now time.Time) {
	cutoff := now.Add(-g.window)
	for g.head < len(g.order) {
		id := g.order[g.head]
		last, ok := g.seen[id]
		if ok && last.After(cutoff) {
			break
		}
		delete(g.seen, id)
		g.head++
	}

	// Reclaim the consumed prefix once it dominates the slice.
	if g.head == len(g.order) {
		g.order = g.order[:0]
		g.head = 0
	} else if g.head > 1024 && g.head*2 > len(g.order) {
		g.order = append(g.order[:0:0], g.order[g.head:]...)
		g.head = 0
	}
}

// Len returns the number of tracked ids.
func (g *replayGuard) Len() int {
	return len(g.seen)
}
