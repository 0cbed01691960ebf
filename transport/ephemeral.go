package transport

import (
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Ephemeral is the fire-and-forget ("affect") emitter, tuned for freshness
// over completeness. Its send buffer is deliberately small (100 messages
// by default): under backpressure old unsent messages are dropped rather
// than queued, because a late-arriving stale state update is worse than a
// missing one. No acknowledgment, no retry beyond the double tap on a
// topic's first message, and a short linger so Close never stalls on a
// backlog nobody wants.
//
// The receive side has no dedicated type; point a BroadcastReceiver at the
// affect relay egress.
//
// Not safe for concurrent use: one publisher goroutine owns the socket.
type Ephemeral struct {
	sock   *zmq.Socket
	ctx    *Context
	log    *slog.Logger
	tap    time.Duration
	tapped map[string]struct{}
}

// EphemeralOption configures an Ephemeral emitter.
type EphemeralOption func(*ephemeralConfig)

type ephemeralConfig struct {
	hwm    int
	linger time.Duration
	tap    time.Duration
	log    *slog.Logger
}

// WithEphemeralHWM sets the send high-water mark. Keep it small; that is
// the point of this channel.
func WithEphemeralHWM(hwm int) EphemeralOption {
	return func(c *ephemeralConfig) { c.hwm = hwm }
}

// WithEphemeralLinger bounds how long Close waits for queued messages.
func WithEphemeralLinger(d time.Duration) EphemeralOption {
	return func(c *ephemeralConfig) { c.linger = d }
}

// WithEphemeralDoubleTap sets the first-send resend gap. Zero disables it.
func WithEphemeralDoubleTap(d time.Duration) EphemeralOption {
	return func(c *ephemeralConfig) { c.tap = d }
}

// WithEphemeralLogger sets the adapter logger.
func WithEphemeralLogger(log *slog.Logger) EphemeralOption {
	return func(c *ephemeralConfig) { c.log = log }
}

// NewEphemeral connects a PUB socket to the ephemeral relay ingress.
func NewEphemeral(ctx *Context, endpoint string, opts ...EphemeralOption) (*Ephemeral, error) {
	cfg := ephemeralConfig{
		hwm:    100,
		linger: 100 * time.Millisecond,
		tap:    50 * time.Millisecond,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	zctx, err := ctx.acquire()
	if err != nil {
		return nil, errors.WrapFatal(err, "Ephemeral", "NewEphemeral", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		ctx.release()
		return nil, errors.WrapFatal(err, "Ephemeral", "NewEphemeral", "create socket")
	}
	if err := sock.SetSndhwm(cfg.hwm); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Ephemeral", "NewEphemeral", "set send hwm")
	}
	if err := sock.SetLinger(cfg.linger); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Ephemeral", "NewEphemeral", "set linger")
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "Ephemeral", "NewEphemeral", "connect "+endpoint)
	}

	cfg.log.Debug("ephemeral emitter connected", "component", "Ephemeral", "endpoint", endpoint)

	return &Ephemeral{
		sock:   sock,
		ctx:    ctx,
		log:    cfg.log,
		tap:    cfg.tap,
		tapped: make(map[string]struct{}),
	}, nil
}

// Emit sends a [topic, payload] frame pair, double-tapping the first
// message on a fresh topic with the shorter affect gap.
func (e *Ephemeral) Emit(topic string, payload []byte) error {
	if e.sock == nil {
		return errors.ErrClosed
	}

	if _, err := e.sock.SendMessage(topic, payload); err != nil {
		return errors.WrapTransient(err, "Ephemeral", "Emit", "send frame")
	}

	if e.tap > 0 {
		if _, seen := e.tapped[topic]; !seen {
			e.tapped[topic] = struct{}{}
			time.Sleep(e.tap)
			if _, err := e.sock.SendMessage(topic, payload); err != nil {
				return errors.WrapTransient(err, "Ephemeral", "Emit", "double-tap resend")
			}
		}
	}

	return nil
}

// Close releases the socket within the short affect linger and drops the
// context reference.
func (e *Ephemeral) Close() error {
	if e.sock == nil {
		return nil
	}
	err := e.sock.Close()
	e.sock = nil
	e.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "Ephemeral", "Close", "close socket")
	}
	return nil
}
