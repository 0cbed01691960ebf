// Package bus provides the publishing and subscribing facades of the UMN
// bus. Publisher routes envelopes onto the channel adapter their delivery
// class names, falling back to broadcast when a channel is not enabled;
// Subscriber runs the receive loop with replay defense, heartbeat
// emission, and the governance kill switch.
//
// Delivery semantics per channel:
//
//   - legacy (broadcast): best effort, at-most-once from the transport
//     plus a possible duplicate from the slow-joiner double tap.
//   - reflex (acknowledged): the only channel whose failures surface to
//     the caller, as an ack, a rejection, or a timeout.
//   - affect (ephemeral): best effort with a small buffer; stale signals
//     drop rather than queue.
//   - trophic (batched): at-least-once into the work queue; consumers
//     batch on size or wait, whichever fires first.
//
// Replay defense is per subscriber, not shared: two replicas subscribed
// to the same topic each deliver a duplicated incident once. Envelopes
// without an incident id bypass the guard entirely.
package bus
