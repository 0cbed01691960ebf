// Package health tracks organ liveness from the heartbeat envelopes every
// subscriber publishes on the well-known heartbeat topic. A Monitor
// ingests heartbeats and classifies each zooid as alive, stale, or lost
// by how many heartbeat intervals have passed since its last record.
//
// The monitor judges only what it hears: a zooid that never heartbeats
// is invisible, not lost. Wire Handler into a bus subscriber on the
// heartbeat topic to feed it.
package health
