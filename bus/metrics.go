package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bus instrumentation. All counters are optional:
// publishers and subscribers run without them unless WithPublisherMetrics
// or WithSubscriberMetrics is supplied.
type Metrics struct {
	Emitted          *prometheus.CounterVec
	Received         prometheus.Counter
	Duplicates       prometheus.Counter
	DecodeFailures   prometheus.Counter
	CallbackFailures prometheus.Counter
	AckTimeouts      prometheus.Counter
	Heartbeats       prometheus.Counter
}

// NewMetrics registers the bus counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "emitted_total",
			Help:      "Envelopes emitted, by delivery channel.",
		}, []string{"channel"}),
		Received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Envelopes delivered to subscriber callbacks.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "duplicates_dropped_total",
			Help:      "Envelopes dropped by replay defense.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "decode_failures_total",
			Help:      "Payloads that failed envelope decoding.",
		}),
		CallbackFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "callback_failures_total",
			Help:      "Subscriber callbacks that returned an error or panicked.",
		}),
		AckTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "ack_timeouts_total",
			Help:      "Acknowledged-channel requests that timed out.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umn",
			Subsystem: "bus",
			Name:      "heartbeats_total",
			Help:      "Heartbeat envelopes published.",
		}),
	}
}
