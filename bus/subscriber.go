package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HomoYouDidnt/kloros-sub004/config"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

// Handler consumes one decoded envelope. A non-nil return is logged and
// counted but never propagated: delivery failures are the subscriber's
// problem, not the publisher's.
type Handler func(*envelope.Envelope) error

// Subscriber is the receiving facade of the bus. It owns one receiver
// subscribed to its topic plus the governance kill topic, and runs the
// receive loop on its own goroutine: poll, decode, replay-check,
// dispatch. A panicking or failing handler never takes the loop down,
// and a failed delivery still marks its incident id as seen, so a
// retried incident is not re-delivered to a handler that already broke
// on it once.
//
// When an identity is set, the subscriber also publishes heartbeat
// envelopes on the well-known heartbeat topic at the configured
// interval.
//
// Replay defense is local to this subscriber. Replicas sharing a topic
// each see a duplicated incident once; cross-replica suppression is a
// responder-side concern.
type Subscriber struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *Metrics

	topic   string
	handler Handler
	recv    transport.TopicReceiver
	guard   *replayGuard

	// Heartbeat identity; the heartbeat loop runs only when zooid is set.
	zooid string
	niche string
	hb    *Publisher

	killed    atomic.Bool
	processed atomic.Uint64
	startedAt time.Time

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*subscriberConfig)

type subscriberConfig struct {
	zooid   string
	niche   string
	log     *slog.Logger
	metrics *Metrics
}

// WithIdentity names the subscribing organ. Setting it enables the
// heartbeat loop; zooid identifies the process instance, niche its role.
func WithIdentity(zooid, niche string) SubscriberOption {
	return func(c *subscriberConfig) {
		c.zooid = zooid
		c.niche = niche
	}
}

// WithSubscriberLogger sets the subscriber logger.
func WithSubscriberLogger(log *slog.Logger) SubscriberOption {
	return func(c *subscriberConfig) { c.log = log }
}

// WithSubscriberMetrics wires receive instrumentation.
func WithSubscriberMetrics(m *Metrics) SubscriberOption {
	return func(c *subscriberConfig) { c.metrics = m }
}

// NewSubscriber builds a subscriber for topic over the shared transport
// context. The receiver is additionally subscribed to the governance
// kill topic; handler runs on the subscriber's receive goroutine.
func NewSubscriber(tctx *transport.Context, cfg *config.Config, topic string,
	handler Handler, opts ...SubscriberOption) (*Subscriber, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Subscriber", "NewSubscriber", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Subscriber", "NewSubscriber", "handler is required")
	}

	sc := subscriberConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&sc)
	}

	topics := []string{topic, cfg.Topics.Kill}

	var recv transport.TopicReceiver
	var err error
	switch cfg.Transport {
	case config.TransportLocal:
		recv, err = transport.NewLocalReceiver(cfg.LocalDir, topics)
	default:
		recv, err = transport.NewBroadcastReceiver(tctx, cfg.Endpoints.BroadcastSub, topics,
			transport.WithReceiverHWM(cfg.BroadcastHWM),
			transport.WithReceiverLogger(sc.log))
	}
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		cfg:     cfg.Clone(),
		log:     sc.log,
		metrics: sc.metrics,
		topic:   topic,
		handler: handler,
		recv:    recv,
		guard:   newReplayGuard(cfg.ReplayWindow),
		zooid:   sc.zooid,
		niche:   sc.niche,
		stop:    make(chan struct{}),
	}

	if sc.zooid != "" {
		// The heartbeat publisher only needs broadcast; strip the
		// specialized channels from its view of the config.
		hbCfg := cfg.Clone()
		hbCfg.Channels = config.Channels{}
		s.hb, err = NewPublisher(tctx, hbCfg, WithPublisherLogger(sc.log))
		if err != nil {
			_ = recv.Close()
			return nil, err
		}
	}

	return s, nil
}

// Start spawns the receive loop, and the heartbeat loop when an
// identity was set.
func (s *Subscriber) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}
	if s.started {
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.receiveLoop()

	if s.hb != nil {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	s.log.Info("subscriber started",
		"component", "Subscriber", "topic", s.topic, "zooid", s.zooid)
	return nil
}

// receiveLoop owns the receiver socket until Close.
func (s *Subscriber) receiveLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		topic, payload, err := s.recv.Receive(s.cfg.PollInterval)
		if err != nil {
			if err == transport.ErrNoMessage {
				continue
			}
			if errors.IsFatal(err) {
				s.log.Error("receive loop stopping on fatal transport error",
					"component", "Subscriber", "topic", s.topic, "error", err)
				return
			}
			s.log.Warn("receive error",
				"component", "Subscriber", "topic", s.topic, "error", err)
			continue
		}

		if topic == s.cfg.Topics.Kill {
			if !s.killed.Swap(true) {
				s.log.Warn("kill switch engaged, halting dispatch",
					"component", "Subscriber", "topic", s.topic, "zooid", s.zooid)
			}
			continue
		}
		if s.killed.Load() {
			continue
		}

		env, err := envelope.Decode(payload)
		if err != nil {
			if s.metrics != nil {
				s.metrics.DecodeFailures.Inc()
			}
			s.log.Warn("dropping undecodable payload",
				"component", "Subscriber", "topic", topic, "error", err)
			continue
		}

		if s.guard.Seen(env.IncidentID, time.Now()) {
			if s.metrics != nil {
				s.metrics.Duplicates.Inc()
			}
			s.log.Debug("dropping replayed incident",
				"component", "Subscriber", "incident_id", env.IncidentID)
			continue
		}

		if s.metrics != nil {
			s.metrics.Received.Inc()
		}
		s.processed.Add(1)
		s.dispatch(env)
	}
}

// dispatch runs the handler, absorbing errors and panics.
func (s *Subscriber) dispatch(env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if s.metrics != nil {
				s.metrics.CallbackFailures.Inc()
			}
			s.log.Error("handler panicked",
				"component", "Subscriber", "signal", env.Signal, "panic", r)
		}
	}()

	if err := s.handler(env); err != nil {
		if s.metrics != nil {
			s.metrics.CallbackFailures.Inc()
		}
		s.log.Warn("handler failed",
			"component", "Subscriber", "signal", env.Signal, "error", err)
	}
}

// heartbeatLoop publishes a liveness record every interval until Close.
// A killed subscriber goes dark within one interval so monitors mark it
// lost rather than mistaking it for a healthy organ.
func (s *Subscriber) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.killed.Load() {
				continue
			}
			hb := envelope.Heartbeat{
				Zooid:     s.zooid,
				Niche:     s.niche,
				UptimeS:   time.Since(s.startedAt).Seconds(),
				Processed: s.processed.Load(),
			}
			if _, err := s.hb.Emit(s.cfg.Topics.Heartbeat, s.zooid, 0, hb.Facts()); err != nil {
				s.log.Warn("heartbeat emit failed",
					"component", "Subscriber", "zooid", s.zooid, "error", err)
				continue
			}
			if s.metrics != nil {
				s.metrics.Heartbeats.Inc()
			}
		}
	}
}

// Killed reports whether the governance kill switch has engaged.
func (s *Subscriber) Killed() bool {
	return s.killed.Load()
}

// Processed returns the number of envelopes dispatched to the handler.
func (s *Subscriber) Processed() uint64 {
	return s.processed.Load()
}

// Close stops the loops and tears down the receiver and the heartbeat
// publisher. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	close(s.stop)
	s.wg.Wait()

	err := s.recv.Close()
	if s.hb != nil {
		if hbErr := s.hb.Close(); hbErr != nil && err == nil {
			err = hbErr
		}
	}

	s.log.Info("subscriber stopped",
		"component", "Subscriber", "topic", s.topic, "processed", s.processed.Load())
	return err
}
