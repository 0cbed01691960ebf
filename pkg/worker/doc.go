// Package worker provides a generic bounded worker pool. The trophic
// consumer uses it to spread decoded work envelopes across goroutines;
// anything else with independent work items can reuse it.
//
// Submission is non-blocking: when the queue is full the item is
// dropped and reported, matching the bus's drop-over-backpressure
// posture.
package worker
