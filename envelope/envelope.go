package envelope

import (
	"encoding/json"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/pkg/timestamp"
)

// SchemaVersion is embedded in every envelope on the wire. Receivers
// validate it loosely: it must be present for forward compatibility, but
// current consumers accept any value.
const SchemaVersion = 1

// Channel is the advisory delivery-class tag carried by every envelope.
// It is only consulted when channel-aware routing is enabled on the
// publishing side; receivers treat it as metadata.
type Channel string

// The four delivery classes of the bus.
const (
	// ChannelLegacy is best-effort broadcast, the default.
	ChannelLegacy Channel = "legacy"
	// ChannelReflex is acknowledged request/reply.
	ChannelReflex Channel = "reflex"
	// ChannelAffect is fire-and-forget tuned for freshness.
	ChannelAffect Channel = "affect"
	// ChannelTrophic is batched work distribution.
	ChannelTrophic Channel = "trophic"
)

// IsValid reports whether c names one of the four delivery classes.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelLegacy, ChannelReflex, ChannelAffect, ChannelTrophic:
		return true
	}
	return false
}

// Facts is the free-form structured payload of an envelope. The bus does
// not validate it against any schema; it passes through whatever JSON the
// caller supplies. A nil Facts is serialized as an empty object, never null.
type Facts map[string]any

// Envelope is the versioned message structure every signal travels in.
// It is immutable once serialized: retries resend the identical bytes.
type Envelope struct {
	Signal        string  `json:"signal"`
	Ecosystem     string  `json:"ecosystem"`
	Intensity     float64 `json:"intensity"`
	Facts         Facts   `json:"facts"`
	IncidentID    string  `json:"incident_id,omitempty"`
	Trace         string  `json:"trace,omitempty"`
	TS            float64 `json:"ts"`
	SchemaVersion int     `json:"schema_version"`
	Channel       Channel `json:"channel"`
}

// Option is a functional option for configuring envelope construction.
type Option func(*Envelope)

// WithIncidentID sets the deduplication key. Its presence activates replay
// defense on the receiving side.
func WithIncidentID(id string) Option {
	return func(e *Envelope) { e.IncidentID = id }
}

// WithTrace sets a free-form correlation id for cross-system debugging.
func WithTrace(trace string) Option {
	return func(e *Envelope) { e.Trace = trace }
}

// WithChannel tags the envelope with a delivery class other than legacy.
func WithChannel(c Channel) Option {
	return func(e *Envelope) { e.Channel = c }
}

// WithTS overrides the emission timestamp (epoch seconds). Useful for
// tests and historical replays; transports never rewrite it.
func WithTS(ts float64) Option {
	return func(e *Envelope) { e.TS = ts }
}

// New constructs an envelope with the emission timestamp set to now,
// the current schema version, and the legacy channel unless overridden.
// A nil facts map is replaced with an empty one.
func New(signal, ecosystem string, intensity float64, facts Facts, opts ...Option) *Envelope {
	if facts == nil {
		facts = Facts{}
	}
	e := &Envelope{
		Signal:        signal,
		Ecosystem:     ecosystem,
		Intensity:     intensity,
		Facts:         facts,
		TS:            timestamp.Now(),
		SchemaVersion: SchemaVersion,
		Channel:       ChannelLegacy,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks the envelope invariants: signal and ecosystem are always
// non-empty. Everything else is caller-defined.
func (e *Envelope) Validate() error {
	if e.Signal == "" {
		return errors.ErrMissingSignal
	}
	if e.Ecosystem == "" {
		return errors.ErrMissingEcosystem
	}
	return nil
}

// Encode serializes the envelope as compact UTF-8 JSON. Facts is forced to
// an empty object when nil so the wire never carries null.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "validate")
	}
	if e.Facts == nil {
		e.Facts = Facts{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal")
	}
	return data, nil
}

// Decode parses envelope bytes. Malformed bytes produce a defined error
// (wrapping ErrMalformedPayload), never a panic. A missing facts field
// decodes to an empty map, and an empty channel tag decodes to legacy.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "Envelope", "Decode", err.Error())
	}
	if e.Facts == nil {
		e.Facts = Facts{}
	}
	if e.Channel == "" {
		e.Channel = ChannelLegacy
	}
	if err := e.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Decode", "validate")
	}
	return &e, nil
}
