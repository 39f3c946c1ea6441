package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/plugin"
)

func newProbe(t *testing.T, cfg plugin.Config) *Probe {
	t.Helper()
	p, err := New("sut")
	require.NoError(t, err)
	require.NoError(t, p.Initialize(cfg))
	return p.(*Probe)
}

func TestLoopback_SendReceive(t *testing.T) {
	ctx := context.Background()
	p := newProbe(t, plugin.Config{})

	require.NoError(t, p.Send(ctx, []byte("one")))
	require.NoError(t, p.Send(ctx, []byte("two")))

	msg, err := p.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))

	msg, err = p.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg))
}

func TestLoopback_ReceiveTimeout(t *testing.T) {
	p := newProbe(t, plugin.Config{})
	_, err := p.Receive(context.Background(), 10*time.Millisecond)
	assert.True(t, errors.Is(err, plugin.ErrTimeout))
}

func TestLoopback_ReceiveCancelled(t *testing.T) {
	p := newProbe(t, plugin.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Receive(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLoopback_QueueFull(t *testing.T) {
	ctx := context.Background()
	p := newProbe(t, plugin.Config{"capacity": 1})

	require.NoError(t, p.Send(ctx, []byte("a")))
	err := p.Send(ctx, []byte("b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestLoopback_InvalidCapacity(t *testing.T) {
	p, err := New("sut")
	require.NoError(t, err)
	require.Error(t, p.Initialize(plugin.Config{"capacity": 0}))
}

func TestLoopback_Finalize(t *testing.T) {
	ctx := context.Background()
	p := newProbe(t, plugin.Config{})

	require.NoError(t, p.Finalize())
	require.NoError(t, p.Finalize())
	assert.True(t, errors.Is(p.Send(ctx, []byte("x")), ErrClosed))

	_, err := p.Receive(ctx, time.Second)
	assert.True(t, errors.Is(err, ErrClosed))
}
