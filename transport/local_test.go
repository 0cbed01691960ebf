package transport_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros-sub004/testutil"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

func TestLocalRoundTrip(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, []string{"umn.test"})
	require.NoError(t, err)
	defer recv.Close()

	emit, err := transport.NewLocalEmitter(dir, testutil.Logger())
	require.NoError(t, err)
	defer emit.Close()

	require.NoError(t, emit.Emit("umn.test.signal", []byte(`{"degraded":true}`)))

	topic, payload, err := recv.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "umn.test.signal", topic)
	assert.Equal(t, []byte(`{"degraded":true}`), payload)
}

func TestLocalFanOut(t *testing.T) {
	dir := t.TempDir()

	a, err := transport.NewLocalReceiver(dir, []string{"umn"})
	require.NoError(t, err)
	defer a.Close()
	b, err := transport.NewLocalReceiver(dir, []string{"umn"})
	require.NoError(t, err)
	defer b.Close()

	emit, err := transport.NewLocalEmitter(dir, testutil.Logger())
	require.NoError(t, err)
	defer emit.Close()

	require.NoError(t, emit.Emit("umn.fan", []byte("out")))

	for _, recv := range []*transport.LocalReceiver{a, b} {
		topic, payload, err := recv.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "umn.fan", topic)
		assert.Equal(t, []byte("out"), payload)
	}
}

func TestLocalTopicPrefixFilter(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, []string{"umn.alpha"})
	require.NoError(t, err)
	defer recv.Close()

	emit, err := transport.NewLocalEmitter(dir, testutil.Logger())
	require.NoError(t, err)
	defer emit.Close()

	require.NoError(t, emit.Emit("umn.beta.noise", []byte("noise")))
	require.NoError(t, emit.Emit("umn.alpha.signal", []byte("signal")))

	topic, payload, err := recv.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "umn.alpha.signal", topic)
	assert.Equal(t, []byte("signal"), payload)

	_, _, err = recv.Receive(150 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrNoMessage)
}

func TestLocalSubscribeLive(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, nil)
	require.NoError(t, err)
	defer recv.Close()
	require.NoError(t, recv.Subscribe("umn.late"))

	emit, err := transport.NewLocalEmitter(dir, testutil.Logger())
	require.NoError(t, err)
	defer emit.Close()

	require.NoError(t, emit.Emit("umn.late.join", []byte("caught")))

	topic, _, err := recv.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "umn.late.join", topic)
}

func TestLocalReceiveTimeout(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, []string{"umn"})
	require.NoError(t, err)
	defer recv.Close()

	start := time.Now()
	_, _, err = recv.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLocalCloseUnlinksSocket(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, []string{"umn"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	path := filepath.Join(dir, entries[0].Name())

	require.NoError(t, recv.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalEmitterPrunesDeadSockets(t *testing.T) {
	dir := t.TempDir()

	recv, err := transport.NewLocalReceiver(dir, []string{"umn"})
	require.NoError(t, err)

	emit, err := transport.NewLocalEmitter(dir, testutil.Logger())
	require.NoError(t, err)
	defer emit.Close()

	require.NoError(t, emit.Emit("umn.one", []byte("x")))
	_, _, err = recv.Receive(time.Second)
	require.NoError(t, err)

	// Receiver goes away; subsequent emits keep succeeding.
	require.NoError(t, recv.Close())
	require.NoError(t, emit.Emit("umn.two", []byte("y")))
	require.NoError(t, emit.Emit("umn.three", []byte("z")))
}
