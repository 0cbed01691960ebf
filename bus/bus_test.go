package bus_test

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros-sub004/bus"
	"github.com/HomoYouDidnt/kloros-sub004/config"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/testutil"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

// busConfig returns test defaults pointed at a broadcast relay, with
// tight intervals so tests finish quickly.
func busConfig(relay *testutil.Relay) *config.Config {
	cfg := config.Default()
	cfg.Endpoints.BroadcastPub = relay.FrontAddr
	cfg.Endpoints.BroadcastSub = relay.BackAddr
	cfg.PollInterval = 50 * time.Millisecond
	return cfg
}

// deadEndpoint returns a loopback TCP endpoint with nothing listening.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "tcp://" + addr
}

func TestPublishSubscribeReplayDefense(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)
	metrics := bus.NewMetrics(prometheus.NewRegistry())

	delivered := make(chan *envelope.Envelope, 16)
	sub, err := bus.NewSubscriber(ctx, cfg, "TEST", func(env *envelope.Envelope) error {
		delivered <- env
		return nil
	}, bus.WithSubscriberLogger(testutil.Logger()), bus.WithSubscriberMetrics(metrics))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	pub, err := bus.NewPublisher(ctx, cfg,
		bus.WithPublisherLogger(testutil.Logger()), bus.WithPublisherMetrics(metrics))
	require.NoError(t, err)
	defer pub.Close()

	// Same incident emitted twice in quick succession: replay defense
	// delivers exactly one callback. The slow-joiner double tap adds a
	// third identical copy on the wire, also absorbed.
	ack, err := pub.Emit("TEST", "test-eco", 0.7,
		envelope.Facts{"k": "v"}, bus.WithIncidentID("abc"))
	require.NoError(t, err)
	assert.Nil(t, ack)
	time.Sleep(10 * time.Millisecond)
	_, err = pub.Emit("TEST", "test-eco", 0.7,
		envelope.Facts{"k": "v"}, bus.WithIncidentID("abc"))
	require.NoError(t, err)

	select {
	case env := <-delivered:
		assert.Equal(t, "TEST", env.Signal)
		assert.Equal(t, "test-eco", env.Ecosystem)
		assert.Equal(t, 0.7, env.Intensity)
		assert.Equal(t, "v", env.Facts["k"])
		assert.Equal(t, "abc", env.IncidentID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	select {
	case <-delivered:
		t.Fatal("duplicate incident reached the handler")
	case <-time.After(500 * time.Millisecond):
	}

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.Received))
	assert.GreaterOrEqual(t, promtest.ToFloat64(metrics.Duplicates), float64(1))
	assert.Equal(t, uint64(1), sub.Processed())
}

func TestSubscriberIsolatesFailingHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)

	delivered := make(chan string, 16)
	sub, err := bus.NewSubscriber(ctx, cfg, "TEST", func(env *envelope.Envelope) error {
		delivered <- env.IncidentID
		switch env.IncidentID {
		case "boom":
			panic("handler exploded")
		case "fail":
			return errors.ErrMalformedPayload
		}
		return nil
	}, bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	for _, id := range []string{"boom", "fail", "fine"} {
		_, err := pub.Emit("TEST", "test-eco", 0, nil, bus.WithIncidentID(id))
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-delivered:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 deliveries arrived", len(got))
		}
	}
	assert.ElementsMatch(t, []string{"boom", "fail", "fine"}, got)

	// A failed delivery still counts as seen: the retried incident is
	// not handed to the handler again.
	_, err = pub.Emit("TEST", "test-eco", 0, nil, bus.WithIncidentID("boom"))
	require.NoError(t, err)
	select {
	case id := <-delivered:
		t.Fatalf("replayed incident %q reached the handler", id)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSubscriberKillSwitch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)

	delivered := make(chan *envelope.Envelope, 16)
	sub, err := bus.NewSubscriber(ctx, cfg, "TEST", func(env *envelope.Envelope) error {
		delivered <- env
		return nil
	}, bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	// Confirm the path works before killing.
	_, err = pub.Emit("TEST", "test-eco", 0, nil)
	require.NoError(t, err)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery before kill")
	}

	_, err = pub.Emit(cfg.Topics.Kill, "governance", 1, nil)
	require.NoError(t, err)
	require.Eventually(t, sub.Killed, 2*time.Second, 20*time.Millisecond)

	_, err = pub.Emit("TEST", "test-eco", 0, nil)
	require.NoError(t, err)
	select {
	case <-delivered:
		t.Fatal("killed subscriber dispatched a message")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestReflexAck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	responder, err := testutil.NewResponder(func(payload []byte) transport.Ack {
		env, err := envelope.Decode(payload)
		if err != nil {
			return transport.Ack{OK: false, Error: err.Error()}
		}
		return transport.Ack{OK: true, Facts: map[string]any{"echo": env.Signal}}
	}, 0)
	require.NoError(t, err)
	defer responder.Stop()

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)
	cfg.Channels.Reflex = true
	cfg.Endpoints.ReflexResponder = responder.Addr

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	ack, err := pub.Emit("reflex.probe", "test-eco", 1, nil,
		bus.WithChannel(envelope.ChannelReflex))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.True(t, ack.OK)
	assert.Equal(t, "reflex.probe", ack.Facts["echo"])
}

func TestReflexNack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	responder, err := testutil.NewResponder(func([]byte) transport.Ack {
		return transport.Ack{OK: false, Error: "unknown signal"}
	}, 0)
	require.NoError(t, err)
	defer responder.Stop()

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)
	cfg.Channels.Reflex = true
	cfg.Endpoints.ReflexResponder = responder.Addr

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Emit("reflex.probe", "test-eco", 1, nil,
		bus.WithChannel(envelope.ChannelReflex))
	require.Error(t, err)
	assert.True(t, errors.IsNack(err))
	assert.Contains(t, err.Error(), "unknown signal")
}

func TestReflexTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)
	cfg.Channels.Reflex = true
	cfg.Endpoints.ReflexResponder = deadEndpoint(t)

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	start := time.Now()
	_, err = pub.Emit("reflex.probe", "test-eco", 1, nil,
		bus.WithChannel(envelope.ChannelReflex),
		bus.WithAckTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsAckTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestDisabledChannelFallsBackToBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)

	delivered := make(chan *envelope.Envelope, 16)
	sub, err := bus.NewSubscriber(ctx, cfg, "affect.mood", func(env *envelope.Envelope) error {
		delivered <- env
		return nil
	}, bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	// Affect is not enabled; the emit degrades to broadcast and still
	// reaches the subscriber. The channel tag survives.
	ack, err := pub.Emit("affect.mood", "test-eco", 0.2, nil,
		bus.WithChannel(envelope.ChannelAffect))
	require.NoError(t, err)
	assert.Nil(t, ack)

	select {
	case env := <-delivered:
		assert.Equal(t, envelope.ChannelAffect, env.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback delivery never arrived")
	}
}

func TestTrophicEmitReachesBatchConsumer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	broadcast, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer broadcast.Stop()
	queue, err := testutil.NewQueueRelay()
	require.NoError(t, err)
	defer queue.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(broadcast)
	cfg.Channels.Trophic = true
	cfg.Endpoints.TrophicPush = queue.FrontAddr

	batches := make(chan [][]byte, 4)
	consumer, err := transport.NewBatchConsumer(ctx, queue.BackAddr,
		3, 200*time.Millisecond, func(batch [][]byte) {
			copied := make([][]byte, len(batch))
			for i, p := range batch {
				copied[i] = append([]byte(nil), p...)
			}
			batches <- copied
		}, transport.WithConsumerLogger(testutil.Logger()))
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.Start())

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	for i := 0; i < 3; i++ {
		_, err := pub.Emit("trophic.digest", "test-eco", 0, envelope.Facts{"seq": i},
			bus.WithChannel(envelope.ChannelTrophic))
		require.NoError(t, err)
	}

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		env, err := envelope.Decode(batch[0])
		require.NoError(t, err)
		assert.Equal(t, "trophic.digest", env.Signal)
		assert.Equal(t, envelope.ChannelTrophic, env.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestTrophicConsumerDispatchesBatches(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	broadcast, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer broadcast.Stop()
	queue, err := testutil.NewQueueRelay()
	require.NoError(t, err)
	defer queue.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(broadcast)
	cfg.Channels.Trophic = true
	cfg.Endpoints.TrophicPush = queue.FrontAddr
	cfg.Endpoints.TrophicPull = queue.BackAddr
	cfg.BatchSize = 5
	cfg.BatchWait = 200 * time.Millisecond

	handled := make(chan string, 32)
	consumer, err := bus.NewTrophicConsumer(ctx, cfg, func(env *envelope.Envelope) error {
		handled <- env.IncidentID
		return nil
	}, bus.WithWorkers(2, 32), bus.WithConsumerLogger(testutil.Logger()))
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.Start())

	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	want := map[string]bool{}
	for i := 0; i < 12; i++ {
		id := string(rune('a' + i))
		want[id] = true
		_, err := pub.Emit("trophic.work", "test-eco", 0, nil,
			bus.WithChannel(envelope.ChannelTrophic), bus.WithIncidentID(id))
		require.NoError(t, err)
	}

	got := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(got) < len(want) {
		select {
		case id := <-handled:
			got[id] = true
		case <-deadline:
			t.Fatalf("handled %d of %d work items", len(got), len(want))
		}
	}
	assert.Equal(t, want, got)
	require.Eventually(t, func() bool {
		return consumer.Stats().Processed >= 12
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriberHeartbeat(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	relay, err := testutil.NewBroadcastRelay()
	require.NoError(t, err)
	defer relay.Stop()

	ctx, err := transport.NewContext()
	require.NoError(t, err)
	defer ctx.Close()

	cfg := busConfig(relay)
	cfg.HeartbeatInterval = 100 * time.Millisecond

	monitor, err := transport.NewBroadcastReceiver(ctx, relay.BackAddr,
		[]string{cfg.Topics.Heartbeat}, transport.WithReceiverLogger(testutil.Logger()))
	require.NoError(t, err)
	defer monitor.Close()

	sub, err := bus.NewSubscriber(ctx, cfg, "TEST",
		func(*envelope.Envelope) error { return nil },
		bus.WithIdentity("zooid-7", "listener"),
		bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	var beats []envelope.Heartbeat
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(beats) < 3 {
		_, payload, err := monitor.Receive(100 * time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, transport.ErrNoMessage)
			continue
		}
		env, err := envelope.Decode(payload)
		require.NoError(t, err)
		beats = append(beats, envelope.HeartbeatFromFacts(env.Facts))
	}

	require.GreaterOrEqual(t, len(beats), 2)
	assert.Equal(t, "zooid-7", beats[0].Zooid)
	assert.Equal(t, "listener", beats[0].Niche)
	last := beats[len(beats)-1]
	assert.GreaterOrEqual(t, last.UptimeS, 0.0)

	// A killed subscriber goes dark: no heartbeats after the engage,
	// beyond at most one already in flight.
	pub, err := bus.NewPublisher(ctx, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()
	_, err = pub.Emit(cfg.Topics.Kill, "governance", 1, nil)
	require.NoError(t, err)
	require.Eventually(t, sub.Killed, 2*time.Second, 20*time.Millisecond)

	// Drain anything already on the wire, then expect silence.
	for {
		_, _, err := monitor.Receive(200 * time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, transport.ErrNoMessage)
			break
		}
	}
	_, _, err = monitor.Receive(300 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrNoMessage)
}

func TestLocalTransportEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportLocal
	cfg.LocalDir = t.TempDir()
	cfg.PollInterval = 50 * time.Millisecond

	delivered := make(chan *envelope.Envelope, 4)
	sub, err := bus.NewSubscriber(nil, cfg, "TEST", func(env *envelope.Envelope) error {
		delivered <- env
		return nil
	}, bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Start())

	pub, err := bus.NewPublisher(nil, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Emit("TEST", "test-eco", 0.5, envelope.Facts{"mode": "degraded"})
	require.NoError(t, err)

	select {
	case env := <-delivered:
		assert.Equal(t, "TEST", env.Signal)
		assert.Equal(t, "degraded", env.Facts["mode"])
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery over the local transport")
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportLocal
	cfg.LocalDir = t.TempDir()

	sub, err := bus.NewSubscriber(nil, cfg, "TEST",
		func(*envelope.Envelope) error { return nil },
		bus.WithSubscriberLogger(testutil.Logger()))
	require.NoError(t, err)

	require.NoError(t, sub.Start())
	assert.ErrorIs(t, sub.Start(), errors.ErrAlreadyStarted)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Start(), errors.ErrClosed)
}

func TestPublisherRejectsUnknownChannel(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportLocal
	cfg.LocalDir = t.TempDir()

	pub, err := bus.NewPublisher(nil, cfg, bus.WithPublisherLogger(testutil.Logger()))
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Emit("TEST", "test-eco", 0, nil,
		bus.WithChannel(envelope.Channel("bogus")))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
