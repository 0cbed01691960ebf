package transport

import (
	"log/slog"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// BatchPusher is the producing side of the batched ("trophic") channel.
// It connects one PUSH socket to the work-queue ingress and writes
// single-frame, self-describing payloads; the envelope inside carries its
// own topic. The send buffer is large and the linger long (5s by default):
// trophic traffic is work, and work should flush rather than drop.
//
// Not safe for concurrent use: one publisher goroutine owns the socket.
type BatchPusher struct {
	sock *zmq.Socket
	ctx  *Context
	log  *slog.Logger
}

// PusherOption configures a BatchPusher.
type PusherOption func(*pusherConfig)

type pusherConfig struct {
	hwm    int
	linger time.Duration
	log    *slog.Logger
}

// WithPusherHWM sets the send high-water mark.
func WithPusherHWM(hwm int) PusherOption {
	return func(c *pusherConfig) { c.hwm = hwm }
}

// WithPusherLinger bounds how long Close waits for queued work to flush.
func WithPusherLinger(d time.Duration) PusherOption {
	return func(c *pusherConfig) { c.linger = d }
}

// WithPusherLogger sets the adapter logger.
func WithPusherLogger(log *slog.Logger) PusherOption {
	return func(c *pusherConfig) { c.log = log }
}

// NewBatchPusher connects a PUSH socket to the work-queue ingress.
func NewBatchPusher(ctx *Context, endpoint string, opts ...PusherOption) (*BatchPusher, error) {
	cfg := pusherConfig{
		hwm:    10000,
		linger: 5000 * time.Millisecond,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	zctx, err := ctx.acquire()
	if err != nil {
		return nil, errors.WrapFatal(err, "BatchPusher", "NewBatchPusher", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.PUSH)
	if err != nil {
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchPusher", "NewBatchPusher", "create socket")
	}
	if err := sock.SetSndhwm(cfg.hwm); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchPusher", "NewBatchPusher", "set send hwm")
	}
	if err := sock.SetLinger(cfg.linger); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchPusher", "NewBatchPusher", "set linger")
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchPusher", "NewBatchPusher", "connect "+endpoint)
	}

	cfg.log.Debug("batch pusher connected", "component", "BatchPusher", "endpoint", endpoint)

	return &BatchPusher{sock: sock, ctx: ctx, log: cfg.log}, nil
}

// Push writes one self-describing payload frame into the work queue. The
// write may block briefly on socket buffer pressure, bounded by the HWM.
func (p *BatchPusher) Push(payload []byte) error {
	if p.sock == nil {
		return errors.ErrClosed
	}
	if _, err := p.sock.SendBytes(payload, 0); err != nil {
		return errors.WrapTransient(err, "BatchPusher", "Push", "send payload")
	}
	return nil
}

// Close releases the socket, letting queued work flush within the long
// trophic linger, then drops the context reference.
func (p *BatchPusher) Close() error {
	if p.sock == nil {
		return nil
	}
	err := p.sock.Close()
	p.sock = nil
	p.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "BatchPusher", "Close", "close socket")
	}
	return nil
}

// BatchHandler processes one flushed batch of raw payloads.
type BatchHandler func(batch [][]byte)

// BatchConsumer is the worker side of the trophic channel. It connects one
// PULL socket to the work-queue egress and accumulates payloads into a
// batch, flushing when either the batch size is reached or the batch wait
// has elapsed since the first item of the current batch arrived, whichever
// happens first. The dual trigger balances throughput under load against
// bounded latency when load is low.
//
// The socket is owned by the consumer's own goroutine; Start spawns it and
// Close stops it cooperatively.
type BatchConsumer struct {
	sock    *zmq.Socket
	poller  *zmq.Poller
	ctx     *Context
	log     *slog.Logger
	size    int
	wait    time.Duration
	poll    time.Duration
	handler BatchHandler

	lifecycleMu sync.Mutex
	started     bool
	stop        chan struct{}
	done        chan struct{}
}

// ConsumerOption configures a BatchConsumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	hwm  int
	poll time.Duration
	log  *slog.Logger
}

// WithConsumerHWM sets the receive high-water mark.
func WithConsumerHWM(hwm int) ConsumerOption {
	return func(c *consumerConfig) { c.hwm = hwm }
}

// WithConsumerPoll sets the poll granularity of the pull loop, which
// bounds how promptly Close is observed.
func WithConsumerPoll(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) { c.poll = d }
}

// WithConsumerLogger sets the adapter logger.
func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) { c.log = log }
}

// NewBatchConsumer connects a PULL socket to the work-queue egress.
// size and wait are the dual flush triggers; handler receives each
// flushed batch on the consumer goroutine.
func NewBatchConsumer(ctx *Context, endpoint string, size int, wait time.Duration,
	handler BatchHandler, opts ...ConsumerOption) (*BatchConsumer, error) {
	if size <= 0 || wait <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"BatchConsumer", "NewBatchConsumer", "size and wait must be positive")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"BatchConsumer", "NewBatchConsumer", "handler is required")
	}

	cfg := consumerConfig{
		hwm:  10000,
		poll: 50 * time.Millisecond,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	zctx, err := ctx.acquire()
	if err != nil {
		return nil, errors.WrapFatal(err, "BatchConsumer", "NewBatchConsumer", "acquire context")
	}

	sock, err := zctx.NewSocket(zmq.PULL)
	if err != nil {
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchConsumer", "NewBatchConsumer", "create socket")
	}
	if err := sock.SetRcvhwm(cfg.hwm); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchConsumer", "NewBatchConsumer", "set receive hwm")
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchConsumer", "NewBatchConsumer", "set linger")
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		ctx.release()
		return nil, errors.WrapFatal(err, "BatchConsumer", "NewBatchConsumer", "connect "+endpoint)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	cfg.log.Debug("batch consumer connected",
		"component", "BatchConsumer", "endpoint", endpoint, "size", size, "wait", wait)

	return &BatchConsumer{
		sock:    sock,
		poller:  poller,
		ctx:     ctx,
		log:     cfg.log,
		size:    size,
		wait:    wait,
		poll:    cfg.poll,
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start spawns the pull loop.
func (c *BatchConsumer) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return errors.ErrAlreadyStarted
	}
	c.started = true
	go c.loop()
	return nil
}

// loop owns the PULL socket: accumulate, flush on size or wait, repeat.
func (c *BatchConsumer) loop() {
	defer close(c.done)

	batch := make([][]byte, 0, c.size)
	var first time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.handler(batch)
		batch = make([][]byte, 0, c.size)
	}

	for {
		select {
		case <-c.stop:
			flush()
			return
		default:
		}

		timeout := c.poll
		if len(batch) > 0 {
			remaining := c.wait - time.Since(first)
			if remaining <= 0 {
				flush()
				continue
			}
			if remaining < timeout {
				timeout = remaining
			}
		}

		polled, err := c.poller.Poll(timeout)
		if err != nil {
			// Poll fails when the context is terminating; check the stop
			// flag at the top of the loop rather than spinning.
			c.log.Debug("batch consumer poll error", "component", "BatchConsumer", "error", err)
			continue
		}
		if len(polled) == 0 {
			if len(batch) > 0 && time.Since(first) >= c.wait {
				flush()
			}
			continue
		}

		payload, err := c.sock.RecvBytes(0)
		if err != nil {
			c.log.Warn("batch consumer receive error", "component", "BatchConsumer", "error", err)
			continue
		}

		if len(batch) == 0 {
			first = time.Now()
		}
		batch = append(batch, payload)
		if len(batch) >= c.size {
			flush()
		}
	}
}

// Close stops the pull loop, flushes any partial batch, and tears down the
// socket.
func (c *BatchConsumer) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.sock == nil {
		return nil
	}

	if c.started {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}

	err := c.sock.Close()
	c.sock = nil
	c.ctx.release()
	if err != nil {
		return errors.WrapTransient(err, "BatchConsumer", "Close", "close socket")
	}
	return nil
}
