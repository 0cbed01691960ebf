package transport

import (
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Broadcast is the best-effort pub/sub emitter. It connects one PUB socket
// to the forwarding relay's ingress and frames messages as
// [topic, payload].
//
// The very first message to any topic is sent twice, with a short gap
// between the sends: pub/sub relays need a propagation interval after a
// new subscription registers before delivery is reliable, and the resend
// closes that slow-joiner race without a handshake protocol. Subsequent
// messages to the same topic bypass the delay. Retries carry the identical
// payload bytes, so replay defense on the receiving side absorbs the
// duplicate.
//
// Not safe for concurrent use: one publisher goroutine owns the socket.
type Broadcast struct {
	sock   *zmq.Socket
	ctx    *Context
	log    *slog.Logger
	tap    time.Duration
	tapped map[string]struct{}
}

// BroadcastOption configures a Broadcast emitter.
type BroadcastOption func(*broadcastConfig)

type broadcastConfig struct {
	hwm    int
	linger time.Duration
	tap    time.Duration
	log    *slog.Logger
}

// WithBroadcastHWM sets the send high-water mark.
func WithBroadcastHWM(hwm int) BroadcastOption {
	return func(c *broadcastConfig) { c.hwm = hwm }
}

// WithBroadcastLinger bounds how long Close waits for queued messages to
// flush.
func WithBroadcastLinger(d time.Duration) BroadcastOption {
	return func(c *broadcastConfig) { c.linger = d }
}

// WithDoubleTap sets the gap between the two sends of a topic's first
// message. Zero disables the double tap.
func WithDoubleTap(d time.Duration) BroadcastOption {
	return func(c *broadcastConfig) { c.tap = d }
}

// WithBroadcastLogger sets the adapter logger.
func WithBroadcastLogger(log *slog.Logger) BroadcastOption {
	return func(c *broadcastConfig) { c.log = log }
}

// NewBroadcast connects a PUB socket to the relay ingress at endpoint.
func NewBroadcast(ctx *Context, endpoint string, opts ...BroadcastOption) (*Broadcast, error) {
	cfg := broadcastConfig{
		hwm:    1000,
		linger: time.Second,
		tap:    150 * time.Millisecond,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	zctx, err := ctx.acquire()
	if err != nil {
		return nil, errors.WrapFatal(err, "Broadcast", "NewBroadcast", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		ctx.release()
		return nil, errors.WrapFatal(err, "Broadcast", "NewBroadcast", "create socket")
	}
	if err := sock.SetSndhwm(cfg.hwm); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Broadcast", "NewBroadcast", "set send hwm")
	}
	if err := sock.SetLinger(cfg.linger); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Broadcast", "NewBroadcast", "set linger")
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Broadcast", "NewBroadcast", "connect "+endpoint)
	}

	cfg.log.Debug("broadcast emitter connected", "component", "Broadcast", "endpoint", endpoint)

	return &Broadcast{
		sock:   sock,
		ctx:    ctx,
		log:    cfg.log,
		tap:    cfg.tap,
		tapped: make(map[string]struct{}),
	}, nil
}

// Emit sends a [topic, payload] frame pair, double-tapping the first
// message on a fresh topic.
func (b *Broadcast) Emit(topic string, payload []byte) error {
	if b.sock == nil {
		return errors.ErrClosed
	}

	if _, err := b.sock.SendMessage(topic, payload); err != nil {
		return errors.WrapTransient(err, "Broadcast", "Emit", "send frame")
	}

	if b.tap > 0 {
		if _, seen := b.tapped[topic]; !seen {
			b.tapped[topic] = struct{}{}
			time.Sleep(b.tap)
			if _, err := b.sock.SendMessage(topic, payload); err != nil {
				return errors.WrapTransient(err, "Broadcast", "Emit", "double-tap resend")
			}
			b.log.Debug("double-tapped first message on topic",
				"component", "Broadcast", "topic", topic)
		}
	}

	return nil
}

// Close releases the socket, letting queued messages flush within the
// configured linger, then drops the context reference.
func (b *Broadcast) Close() error {
	if b.sock == nil {
		return nil
	}
	err := b.sock.Close()
	b.sock = nil
	b.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "Broadcast", "Close", "close socket")
	}
	return nil
}

// BroadcastReceiver is the subscribing side of the broadcast pair. It
// connects one SUB socket to the relay egress and filters by topic.
//
// Not safe for concurrent use: one receive-loop goroutine owns the socket.
type BroadcastReceiver struct {
	sock   *zmq.Socket
	poller *zmq.Poller
	ctx    *Context
	log    *slog.Logger
}

// ReceiverOption configures a BroadcastReceiver.
type ReceiverOption func(*receiverConfig)

type receiverConfig struct {
	hwm int
	log *slog.Logger
}

// WithReceiverHWM sets the receive high-water mark.
func WithReceiverHWM(hwm int) ReceiverOption {
	return func(c *receiverConfig) { c.hwm = hwm }
}

// WithReceiverLogger sets the adapter logger.
func WithReceiverLogger(log *slog.Logger) ReceiverOption {
	return func(c *receiverConfig) { c.log = log }
}

// NewBroadcastReceiver connects a SUB socket to the relay egress at
// endpoint, subscribed to the given topics. The ephemeral ("affect")
// channel has no dedicated receiver type; point a BroadcastReceiver at the
// affect relay egress instead.
func NewBroadcastReceiver(ctx *Context, endpoint string, topics []string, opts ...ReceiverOption) (*BroadcastReceiver, error) {
	cfg := receiverConfig{
		hwm: 1000,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	zctx, err := ctx.acquire()
	if err != nil {
		return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		ctx.release()
		return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "create socket")
	}
	if err := sock.SetRcvhwm(cfg.hwm); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "set receive hwm")
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "set linger")
	}
	for _, topic := range topics {
		if err := sock.SetSubscribe(topic); err != nil {
			_ = sock.Close()
			ctx.release()
			return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "subscribe "+topic)
		}
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BroadcastReceiver", "NewBroadcastReceiver", "connect "+endpoint)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	cfg.log.Debug("broadcast receiver connected",
		"component", "BroadcastReceiver", "endpoint", endpoint, "topics", topics)

	return &BroadcastReceiver{
		sock:   sock,
		poller: poller,
		ctx:    ctx,
		log:    cfg.log,
	}, nil
}

// Subscribe adds a topic filter on the live socket.
func (r *BroadcastReceiver) Subscribe(topic string) error {
	if r.sock == nil {
		return errors.ErrClosed
	}
	if err := r.sock.SetSubscribe(topic); err != nil {
		return errors.WrapTransient(err, "BroadcastReceiver", "Subscribe", "subscribe "+topic)
	}
	return nil
}

// Receive polls up to timeout for the next [topic, payload] frame pair.
// Returns ErrNoMessage on an idle poll and ErrMalformedPayload when the
// frame count is wrong.
func (r *BroadcastReceiver) Receive(timeout time.Duration) (string, []byte, error) {
	if r.sock == nil {
		return "", nil, errors.ErrClosed
	}

	polled, err := r.poller.Poll(timeout)
	if err != nil {
		return "", nil, errors.WrapTransient(err, "BroadcastReceiver", "Receive", "poll")
	}
	if len(polled) == 0 {
		return "", nil, ErrNoMessage
	}

	frames, err := r.sock.RecvMessageBytes(0)
	if err != nil {
		return "", nil, errors.WrapTransient(err, "BroadcastReceiver", "Receive", "receive frames")
	}
	if len(frames) < 2 {
		return "", nil, errors.WrapInvalid(errors.ErrMalformedPayload,
			"BroadcastReceiver", "Receive", "expected [topic, payload] frames")
	}

	return string(frames[0]), frames[1], nil
}

// Close tears down the socket and drops the context reference.
func (r *BroadcastReceiver) Close() error {
	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil
	r.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "BroadcastReceiver", "Close", "close socket")
	}
	return nil
}
