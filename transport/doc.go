// Package transport provides the socket adapters underneath the UMN bus.
//
// There are four adapter families, one per delivery class:
//
//   - Broadcast / BroadcastReceiver: best-effort pub/sub through a
//     forwarding relay, with the slow-joiner double tap on first send
//   - AckClient: acknowledged request/reply against a responder, with
//     ack, nack, and timeout outcomes
//   - Ephemeral: fire-and-forget pub with a small send buffer so stale
//     updates are dropped under backpressure instead of queued
//   - BatchPusher / BatchConsumer: work distribution with dual-trigger
//     batch flushing on the pull side
//
// plus LocalEmitter / LocalReceiver, a same-host unix-datagram substitute
// for the broadcast pair used when the ZeroMQ transport is unavailable.
//
// Every adapter owns exactly one socket, dials exactly one endpoint, and
// knows nothing about the other adapters. Sockets are not safe for
// concurrent use: the owning publisher or subscriber touches each socket
// from a single goroutine for its lifetime. All adapters share one
// process-wide Context handle, acquired at construction and released on
// Close; the underlying ZeroMQ context terminates when the last adapter
// lets go.
package transport
