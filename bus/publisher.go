package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros-sub004/config"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

// Publisher is the emitting facade of the bus. It owns one adapter per
// enabled channel and routes each envelope by its delivery class. The
// broadcast adapter is always present; envelopes tagged for a channel
// that is not enabled fall back to broadcast with a logged warning, so
// a process with a partial channel configuration degrades instead of
// erroring.
//
// Emit is safe for concurrent use; the facade serializes access to the
// underlying sockets.
type Publisher struct {
	mu      sync.Mutex
	cfg     *config.Config
	log     *slog.Logger
	metrics *Metrics

	broadcast transport.TopicEmitter
	affect    transport.TopicEmitter
	reflex    *transport.AckClient
	trophic   *transport.BatchPusher
	closed    bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	log     *slog.Logger
	metrics *Metrics
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(log *slog.Logger) PublisherOption {
	return func(c *publisherConfig) { c.log = log }
}

// WithPublisherMetrics wires emit instrumentation.
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(c *publisherConfig) { c.metrics = m }
}

// NewPublisher builds a publisher over the shared transport context,
// connecting one adapter per enabled channel. With the local transport
// only broadcast is available; the specialized channels fall back.
func NewPublisher(tctx *transport.Context, cfg *config.Config, opts ...PublisherOption) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pc := publisherConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&pc)
	}

	p := &Publisher{
		cfg:     cfg.Clone(),
		log:     pc.log,
		metrics: pc.metrics,
	}

	if cfg.Transport == config.TransportLocal {
		emitter, err := transport.NewLocalEmitter(cfg.LocalDir, pc.log)
		if err != nil {
			return nil, err
		}
		p.broadcast = emitter
		p.log.Warn("running on the degraded local transport; specialized channels fall back to broadcast",
			"component", "Publisher", "dir", cfg.LocalDir)
		return p, nil
	}

	broadcast, err := transport.NewBroadcast(tctx, cfg.Endpoints.BroadcastPub,
		transport.WithBroadcastHWM(cfg.BroadcastHWM),
		transport.WithBroadcastLinger(cfg.BroadcastLinger),
		transport.WithDoubleTap(cfg.BroadcastDoubleTap),
		transport.WithBroadcastLogger(pc.log))
	if err != nil {
		return nil, err
	}
	p.broadcast = broadcast

	if cfg.Channels.Reflex {
		p.reflex, err = transport.NewAckClient(tctx, cfg.Endpoints.ReflexResponder,
			transport.WithAckTimeout(cfg.AckTimeout),
			transport.WithAckRetries(cfg.AckRetries),
			transport.WithAckLogger(pc.log))
		if err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	if cfg.Channels.Affect {
		p.affect, err = transport.NewEphemeral(tctx, cfg.Endpoints.AffectPub,
			transport.WithEphemeralHWM(cfg.AffectHWM),
			transport.WithEphemeralLinger(cfg.AffectLinger),
			transport.WithEphemeralDoubleTap(cfg.AffectDoubleTap),
			transport.WithEphemeralLogger(pc.log))
		if err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	if cfg.Channels.Trophic {
		p.trophic, err = transport.NewBatchPusher(tctx, cfg.Endpoints.TrophicPush,
			transport.WithPusherHWM(cfg.TrophicHWM),
			transport.WithPusherLinger(cfg.TrophicLinger),
			transport.WithPusherLogger(pc.log))
		if err != nil {
			_ = p.Close()
			return nil, err
		}
	}

	return p, nil
}

// EmitOption configures a single emit.
type EmitOption func(*emitConfig)

type emitConfig struct {
	channel    envelope.Channel
	incidentID string
	trace      string
	ackTimeout time.Duration
}

// WithChannel routes the envelope onto a delivery class other than
// legacy broadcast.
func WithChannel(c envelope.Channel) EmitOption {
	return func(e *emitConfig) { e.channel = c }
}

// WithIncidentID sets the deduplication key on the envelope.
func WithIncidentID(id string) EmitOption {
	return func(e *emitConfig) { e.incidentID = id }
}

// WithTrace sets the correlation id on the envelope.
func WithTrace(trace string) EmitOption {
	return func(e *emitConfig) { e.trace = trace }
}

// WithAckTimeout overrides the configured acknowledged-channel timeout
// for this emit only.
func WithAckTimeout(d time.Duration) EmitOption {
	return func(e *emitConfig) { e.ackTimeout = d }
}

// Emit constructs an envelope and sends it on the channel its delivery
// class names; the signal doubles as the topic. Only the acknowledged
// channel returns a meaningful ack and surfaces delivery errors; every
// other channel is fire-and-forget, returning a nil ack and reporting
// only local failures (encoding, closed publisher).
func (p *Publisher) Emit(signal, ecosystem string, intensity float64,
	facts envelope.Facts, opts ...EmitOption) (*transport.Ack, error) {

	ec := emitConfig{channel: envelope.ChannelLegacy}
	for _, opt := range opts {
		opt(&ec)
	}
	if !ec.channel.IsValid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Publisher", "Emit", "unknown channel "+string(ec.channel))
	}

	envOpts := []envelope.Option{envelope.WithChannel(ec.channel)}
	if ec.incidentID != "" {
		envOpts = append(envOpts, envelope.WithIncidentID(ec.incidentID))
	}
	if ec.trace != "" {
		envOpts = append(envOpts, envelope.WithTrace(ec.trace))
	}

	env := envelope.New(signal, ecosystem, intensity, facts, envOpts...)
	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.ErrClosed
	}

	channel := ec.channel
	switch channel {
	case envelope.ChannelReflex:
		if p.reflex == nil {
			channel = p.fallback(env.Signal, envelope.ChannelReflex)
			break
		}
		ack, err := p.reflex.Request(payload, ec.ackTimeout)
		if err != nil {
			if p.metrics != nil && errors.IsAckTimeout(err) {
				p.metrics.AckTimeouts.Inc()
			}
			return nil, err
		}
		p.count(envelope.ChannelReflex)
		return ack, nil

	case envelope.ChannelAffect:
		if p.affect == nil {
			channel = p.fallback(env.Signal, envelope.ChannelAffect)
			break
		}
		if err := p.affect.Emit(env.Signal, payload); err != nil {
			return nil, err
		}

	case envelope.ChannelTrophic:
		if p.trophic == nil {
			channel = p.fallback(env.Signal, envelope.ChannelTrophic)
			break
		}
		if err := p.trophic.Push(payload); err != nil {
			return nil, err
		}
	}

	if channel == envelope.ChannelLegacy {
		if err := p.broadcast.Emit(env.Signal, payload); err != nil {
			return nil, err
		}
	}

	p.count(channel)
	return nil, nil
}

// fallback logs a channel downgrade and returns the broadcast class.
func (p *Publisher) fallback(signal string, from envelope.Channel) envelope.Channel {
	p.log.Warn("channel not enabled, falling back to broadcast",
		"component", "Publisher", "channel", string(from), "signal", signal)
	return envelope.ChannelLegacy
}

// count increments the emit counter for the channel actually used.
func (p *Publisher) count(channel envelope.Channel) {
	if p.metrics != nil {
		p.metrics.Emitted.WithLabelValues(string(channel)).Inc()
	}
}

// Close tears down every adapter. Broadcast and trophic sockets flush
// queued messages within their configured lingers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if p.broadcast != nil {
		if err := p.broadcast.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.reflex != nil {
		if err := p.reflex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.affect != nil {
		if err := p.affect.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.trophic != nil {
		if err := p.trophic.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
