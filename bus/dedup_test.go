package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReplayGuardFirstSeenWins(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	assert.False(t, g.Seen("abc", now))
	assert.True(t, g.Seen("abc", now.Add(10*time.Millisecond)))
	assert.True(t, g.Seen("abc", now.Add(30*time.Second)))
}

func TestReplayGuardEmptyIDBypasses(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	assert.False(t, g.Seen("", now))
	assert.False(t, g.Seen("", now))
	assert.Equal(t, 0, g.Len())
}

func TestReplayGuardWindowExpiry(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	assert.False(t, g.Seen("abc", now))
	// Inside the window it is a duplicate; past it the id is fresh again.
	assert.True(t, g.Seen("abc", now.Add(59*time.Second)))

	later := now.Add(59 * time.Second).Add(61 * time.Second)
	assert.False(t, g.Seen("abc", later))
}

func TestReplayGuardRefreshExtendsWindow(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	g.Seen("abc", now)
	// Re-seeing at t+50s refreshes last-seen, so t+100s is still inside
	// the refreshed window.
	assert.True(t, g.Seen("abc", now.Add(50*time.Second)))
	assert.True(t, g.Seen("abc", now.Add(100*time.Second)))
}

func TestReplayGuardEvictsStaleEntries(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	for i := 0; i < 100; i++ {
		g.Seen(fmt.Sprintf("incident-%d", i), now)
	}
	assert.Equal(t, 100, g.Len())

	// A check two minutes later evicts everything stale up front.
	assert.False(t, g.Seen("fresh", now.Add(2*time.Minute)))
	assert.Equal(t, 1, g.Len())
}

func TestReplayGuardIndependentIDs(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Now()

	assert.False(t, g.Seen("a", now))
	assert.False(t, g.Seen("b", now))
	assert.True(t, g.Seen("a", now))
	assert.True(t, g.Seen("b", now))
	assert.Equal(t, 2, g.Len())
}
