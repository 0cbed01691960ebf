// Package umn is the messaging spine of the KLoROS platform.
//
// Every other KLoROS component exchanges structured signals through this
// module. It offers four delivery contracts over one ZeroMQ substrate:
//
//   - broadcast ("legacy"): best-effort pub/sub through a forwarding relay
//   - acknowledged ("reflex"): request/reply with ack, nack, and timeout
//   - ephemeral ("affect"): fire-and-forget tuned for freshness over
//     completeness
//   - batched ("trophic"): push/pull work distribution with dual-trigger
//     batch flushing on the consuming side
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│       Publisher / Subscriber        │  Facades: routing, replay
//	│     (bus.Publisher, bus.Subscriber) │  defense, heartbeats, kill
//	└─────────────────────────────────────┘
//	           ↓ serialize via
//	┌─────────────────────────────────────┐
//	│            Envelope                 │  Versioned JSON wire format:
//	│        (envelope package)           │  signal, facts, incident id
//	└─────────────────────────────────────┘
//	           ↓ framed onto
//	┌─────────────────────────────────────┐
//	│        Transport adapters           │  One socket per adapter,
//	│   (broadcast, reflex, affect,       │  one owning goroutine per
//	│    trophic, local fallback)         │  socket, connect-only
//	└─────────────────────────────────────┘
//
// The core never binds a listening socket. Relay processes (a forwarding
// proxy for broadcast traffic, an acknowledging responder for reflex
// traffic, a queue aggregator for trophic traffic) own the bound endpoints;
// this module only dials them.
//
// # Delivery semantics
//
// The substrate is at-least-once: the very first message sent to a fresh
// topic is transmitted twice with a short gap (the "double tap") to defeat
// the pub/sub slow-joiner race, and relays may redeliver. Subscribers
// compensate with replay defense: a sliding-window cache keyed by incident
// id that suppresses duplicates per subscriber instance. Replay state is
// deliberately not shared across replicas of the same logical consumer;
// horizontally scaled consumers each process an incident once.
//
// # Packages
//
//   - envelope: the versioned message value type and its JSON codec
//   - transport: socket adapters, the shared ZeroMQ context handle, and
//     the degraded same-host datagram fallback
//   - bus: Publisher and Subscriber facades, replay defense, heartbeats
//   - health: liveness tracking fed by heartbeat envelopes
//   - config: endpoints and tunables
//   - errors: bus error taxonomy and classification
//   - metric: Prometheus metrics registry and handler
//   - pkg/retry, pkg/timestamp, pkg/worker: shared utilities
//   - testutil: in-process relays for integration tests
package umn
