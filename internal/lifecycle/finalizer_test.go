package lifecycle

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReverseOrderReapLast(t *testing.T) {
	var order []string
	record := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}

	f := New(nil)
	f.PushLast("reap", record("reap"))
	f.Push("tacs", record("tacs"))
	f.Push("plugins", record("plugins"))
	f.Push("session", record("session"))
	assert.Equal(t, 4, f.Len())

	require.NoError(t, f.Run())
	assert.Equal(t, []string{"session", "plugins", "tacs", "reap"}, order)
}

func TestRun_ErrorsDoNotStopTeardown(t *testing.T) {
	var buf bytes.Buffer
	f := New(slog.New(slog.NewTextHandler(&buf, nil)))

	var reaped bool
	f.PushLast("reap", func() error { reaped = true; return nil })
	f.Push("broken", func() error { return errors.New("unbind failed") })
	f.Push("panics", func() error { panic("boom") })

	err := f.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: unbind failed")
	assert.Contains(t, err.Error(), "panics: panic: boom")
	assert.True(t, reaped)
	assert.Contains(t, buf.String(), "teardown step failed")
}

func TestRun_Once(t *testing.T) {
	calls := 0
	f := New(nil)
	f.Push("count", func() error { calls++; return nil })

	require.NoError(t, f.Run())
	require.NoError(t, f.Run())
	assert.Equal(t, 1, calls)

	f.Push("late", func() error { calls++; return nil })
	assert.Equal(t, 0, f.Len())
	require.NoError(t, f.Run())
	assert.Equal(t, 1, calls)
}

func TestRun_Empty(t *testing.T) {
	assert.NoError(t, New(nil).Run())
}
