// Package metric provides the Prometheus registry and HTTP endpoint for
// bus instrumentation. A Registry owns an isolated prometheus.Registry
// seeded with Go runtime and process collectors; host processes hang
// their bus counters off it and expose everything through Server.
//
// Registration is namespaced by owner so two components cannot silently
// collide on a metric name.
package metric
