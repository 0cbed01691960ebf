package transport

import (
	"encoding/json"
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// AckClient is the acknowledged ("reflex") channel: request/reply against
// a well-known responder. It is the only adapter whose emit path can block
// the caller for an extended, bounded period, and the only one with a
// per-call failure mode distinct from fire-and-forget.
//
// Request outcomes map onto the bus error taxonomy: a reply with OK=true
// returns the ack, a reply with OK=false returns a NackError carrying the
// responder's reason, and silence past the timeout returns ErrAckTimeout.
// By default a timed-out request is never resent; configuring retries > 0
// opts into lazy-pirate resends of the identical bytes, with the timeout
// applied per attempt.
//
// Not safe for concurrent use: one publisher goroutine owns the socket.
type AckClient struct {
	ctx      *Context
	endpoint string
	sock     *zmq.Socket
	poller   *zmq.Poller
	timeout  time.Duration
	retries  int
	log      *slog.Logger
}

// AckOption configures an AckClient.
type AckOption func(*ackConfig)

type ackConfig struct {
	timeout time.Duration
	retries int
	log     *slog.Logger
}

// WithAckTimeout sets the default per-request reply timeout.
func WithAckTimeout(d time.Duration) AckOption {
	return func(c *ackConfig) { c.timeout = d }
}

// WithAckRetries sets how many times a timed-out request is resent before
// ErrAckTimeout is returned. Zero (the default) never resends.
func WithAckRetries(n int) AckOption {
	return func(c *ackConfig) { c.retries = n }
}

// WithAckLogger sets the adapter logger.
func WithAckLogger(log *slog.Logger) AckOption {
	return func(c *ackConfig) { c.log = log }
}

// NewAckClient connects a REQ socket to the responder at endpoint.
func NewAckClient(ctx *Context, endpoint string, opts ...AckOption) (*AckClient, error) {
	cfg := ackConfig{
		timeout: 5000 * time.Millisecond,
		retries: 0,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &AckClient{
		ctx:      ctx,
		endpoint: endpoint,
		timeout:  cfg.timeout,
		retries:  cfg.retries,
		log:      cfg.log,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}

	cfg.log.Debug("ack client connected", "component", "AckClient", "endpoint", endpoint)
	return c, nil
}

// connect creates a fresh REQ socket. Also used to reset the socket after
// a timeout, since an unanswered REQ cannot send again.
func (c *AckClient) connect() error {
	zctx, err := c.ctx.acquire()
	if err != nil {
		return errors.WrapFatal(err, "AckClient", "connect", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.REQ)
	if err != nil {
		c.ctx.release()
		return errors.WrapFatal(err, "AckClient", "connect", "create socket")
	}
	// Pending requests are worthless once the socket dies; discard them.
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		c.ctx.release()
		return errors.WrapFatal(err, "AckClient", "connect", "set linger")
	}
	if err := sock.Connect(c.endpoint); err != nil {
		_ = sock.Close()
		c.ctx.release()
		return errors.WrapFatal(err, "AckClient", "connect", "connect "+c.endpoint)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	c.sock = sock
	c.poller = poller
	return nil
}

// reset discards the wedged socket and dials a fresh one.
func (c *AckClient) reset() error {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
		c.ctx.release()
	}
	return c.connect()
}

// Request sends payload and blocks for the reply. A non-positive timeout
// uses the client default. The request frame is [empty, payload] on the
// wire; the reply's final frame is parsed as an Ack.
func (c *AckClient) Request(payload []byte, timeout time.Duration) (*Ack, error) {
	if c.sock == nil {
		return nil, errors.ErrClosed
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	attempts := c.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if _, err := c.sock.SendMessage("", payload); err != nil {
			return nil, errors.WrapTransient(err, "AckClient", "Request", "send request")
		}

		polled, err := c.poller.Poll(timeout)
		if err != nil {
			return nil, errors.WrapTransient(err, "AckClient", "Request", "poll reply")
		}

		if len(polled) == 0 {
			// No reply: the REQ socket is now wedged and must be rebuilt
			// before any resend.
			if err := c.reset(); err != nil {
				return nil, err
			}
			if attempt < attempts {
				c.log.Warn("no reply within timeout, resending",
					"component", "AckClient", "attempt", attempt, "timeout", timeout)
				continue
			}
			return nil, errors.Wrap(errors.ErrAckTimeout, "AckClient", "Request",
				"await reply from "+c.endpoint)
		}

		frames, err := c.sock.RecvMessageBytes(0)
		if err != nil {
			return nil, errors.WrapTransient(err, "AckClient", "Request", "receive reply")
		}
		if len(frames) == 0 {
			return nil, errors.WrapInvalid(errors.ErrMalformedPayload,
				"AckClient", "Request", "empty reply")
		}

		var ack Ack
		if err := json.Unmarshal(frames[len(frames)-1], &ack); err != nil {
			return nil, errors.WrapInvalid(errors.ErrMalformedPayload,
				"AckClient", "Request", "parse ack: "+err.Error())
		}
		if !ack.OK {
			return nil, errors.Nack(ack.Error)
		}
		return &ack, nil
	}

	// Unreachable: the loop always returns.
	return nil, errors.ErrAckTimeout
}

// Close tears down the socket and drops the context reference.
func (c *AckClient) Close() error {
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	c.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "AckClient", "Close", "close socket")
	}
	return nil
}
