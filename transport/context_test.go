package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

func TestContextRefCounting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	ctx, err := NewContext()
	require.NoError(t, err)
	assert.Equal(t, 0, ctx.Refs())

	// Connect succeeds without a listener; ZeroMQ dials lazily.
	b, err := NewBroadcast(ctx, "tcp://127.0.0.1:39999", WithDoubleTap(0))
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.Refs())

	e, err := NewEphemeral(ctx, "tcp://127.0.0.1:39998")
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.Refs())

	require.NoError(t, b.Close())
	assert.Equal(t, 1, ctx.Refs())
	require.NoError(t, e.Close())
	assert.Equal(t, 0, ctx.Refs())

	require.NoError(t, ctx.Close())
}

func TestContextCloseWithLiveAdapters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	ctx, err := NewContext()
	require.NoError(t, err)

	b, err := NewBroadcast(ctx, "tcp://127.0.0.1:39997", WithDoubleTap(0))
	require.NoError(t, err)

	// Close with a live adapter defers termination to the last release.
	require.NoError(t, ctx.Close())

	// New adapters are refused after Close.
	_, err = NewEphemeral(ctx, "tcp://127.0.0.1:39996")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrContextTerminated)

	// The live adapter still closes cleanly and triggers termination.
	require.NoError(t, b.Close())
	assert.Equal(t, 0, ctx.Refs())
}

func TestContextCloseIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	ctx, err := NewContext()
	require.NoError(t, err)
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
}
