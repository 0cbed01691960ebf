package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/HomoYouDidnt/kloros-sub004/config"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/pkg/worker"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

// TrophicConsumer is the worker-side facade of the batched channel. It
// pulls batches off the work queue, decodes each payload, and spreads
// the envelopes across a worker pool so one slow item does not stall
// its batch.
//
// Trophic delivery is at-least-once: handlers must tolerate the odd
// duplicate. Undecodable payloads are dropped and logged, never
// dispatched.
type TrophicConsumer struct {
	consumer *transport.BatchConsumer
	pool     *worker.Pool[*envelope.Envelope]
	log      *slog.Logger
	metrics  *Metrics

	cancel context.CancelFunc
}

// ConsumerOption configures a TrophicConsumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	workers int
	queue   int
	log     *slog.Logger
	metrics *Metrics
}

// WithWorkers sets the dispatch pool size and its queue depth.
func WithWorkers(workers, queue int) ConsumerOption {
	return func(c *consumerConfig) {
		c.workers = workers
		c.queue = queue
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) { c.log = log }
}

// WithConsumerMetrics wires receive instrumentation.
func WithConsumerMetrics(m *Metrics) ConsumerOption {
	return func(c *consumerConfig) { c.metrics = m }
}

// NewTrophicConsumer builds a consumer pulling from the trophic queue
// egress. The handler runs on pool workers, so it must be safe for
// concurrent use.
func NewTrophicConsumer(tctx *transport.Context, cfg *config.Config,
	handler Handler, opts ...ConsumerOption) (*TrophicConsumer, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "TrophicConsumer", "NewTrophicConsumer", "nil config")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"TrophicConsumer", "NewTrophicConsumer", "handler is required")
	}
	if cfg.Endpoints.TrophicPull == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"TrophicConsumer", "NewTrophicConsumer", "trophic_pull endpoint is required")
	}

	cc := consumerConfig{
		workers: 4,
		queue:   cfg.TrophicHWM,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cc)
	}

	tc := &TrophicConsumer{
		log:     cc.log,
		metrics: cc.metrics,
	}

	tc.pool = worker.NewPool(cc.workers, cc.queue,
		func(_ context.Context, env *envelope.Envelope) error {
			if err := handler(env); err != nil {
				if tc.metrics != nil {
					tc.metrics.CallbackFailures.Inc()
				}
				tc.log.Warn("trophic handler failed",
					"component", "TrophicConsumer", "signal", env.Signal, "error", err)
				return err
			}
			return nil
		})

	consumer, err := transport.NewBatchConsumer(tctx, cfg.Endpoints.TrophicPull,
		cfg.BatchSize, cfg.BatchWait, tc.dispatch,
		transport.WithConsumerHWM(cfg.TrophicHWM),
		transport.WithConsumerPoll(cfg.PollInterval),
		transport.WithConsumerLogger(cc.log))
	if err != nil {
		return nil, err
	}
	tc.consumer = consumer

	return tc, nil
}

// Start launches the pool and the pull loop.
func (tc *TrophicConsumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := tc.pool.Start(ctx); err != nil {
		cancel()
		return errors.Wrap(err, "TrophicConsumer", "Start", "start worker pool")
	}
	tc.cancel = cancel

	if err := tc.consumer.Start(); err != nil {
		cancel()
		return err
	}
	return nil
}

// dispatch decodes one flushed batch and submits the envelopes to the
// pool. Runs on the batch consumer's goroutine.
func (tc *TrophicConsumer) dispatch(batch [][]byte) {
	for _, payload := range batch {
		env, err := envelope.Decode(payload)
		if err != nil {
			if tc.metrics != nil {
				tc.metrics.DecodeFailures.Inc()
			}
			tc.log.Warn("dropping undecodable trophic payload",
				"component", "TrophicConsumer", "error", err)
			continue
		}
		if tc.metrics != nil {
			tc.metrics.Received.Inc()
		}
		if err := tc.pool.Submit(env); err != nil {
			tc.log.Warn("trophic dispatch dropped",
				"component", "TrophicConsumer", "signal", env.Signal, "error", err)
		}
	}
}

// Stats exposes the dispatch pool counters.
func (tc *TrophicConsumer) Stats() worker.Stats {
	return tc.pool.Stats()
}

// Close stops the pull loop, then drains the pool.
func (tc *TrophicConsumer) Close() error {
	err := tc.consumer.Close()
	if stopErr := tc.pool.Stop(5 * time.Second); stopErr != nil && err == nil {
		err = stopErr
	}
	if tc.cancel != nil {
		tc.cancel()
	}
	return err
}
