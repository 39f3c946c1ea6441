package execprobe

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/proc"
)

func newProbe(t *testing.T, cfg plugin.Config) (*Probe, *proc.Tracker) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX helpers")
	}
	tracker := proc.NewTracker(time.Second, nil)
	t.Cleanup(func() { _ = tracker.Reap() })

	p, err := Factory(tracker)("helper")
	require.NoError(t, err)
	require.NoError(t, p.Initialize(cfg))
	return p.(*Probe), tracker
}

func TestExecProbe_EchoesThroughCat(t *testing.T) {
	ctx := context.Background()
	p, tracker := newProbe(t, plugin.Config{"command": []any{"cat"}})
	assert.Equal(t, 1, tracker.Running())

	require.NoError(t, p.Send(ctx, []byte("INVITE sip:bob")))
	line, err := p.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "INVITE sip:bob", string(line))

	require.NoError(t, p.Finalize())
	_, err = p.Receive(ctx, 5*time.Second)
	assert.True(t, errors.Is(err, ErrHelperExited))
	require.Eventually(t, func() bool { return tracker.Running() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestExecProbe_Timeout(t *testing.T) {
	p, _ := newProbe(t, plugin.Config{"command": []any{"cat"}})
	_, err := p.Receive(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, plugin.ErrTimeout))
}

func TestExecProbe_RejectsMultiline(t *testing.T) {
	p, _ := newProbe(t, plugin.Config{"command": []any{"cat"}})
	err := p.Send(context.Background(), []byte("a\nb"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single line")
}

func TestExecProbe_MissingCommand(t *testing.T) {
	tracker := proc.NewTracker(0, nil)
	p, err := Factory(tracker)("helper")
	require.NoError(t, err)

	err = p.Initialize(plugin.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestExecProbe_NeedsTracker(t *testing.T) {
	_, err := Factory(nil)("helper")
	require.Error(t, err)
}
