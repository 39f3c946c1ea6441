package proc

import (
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestTracker_ReapStopsPoliteChild(t *testing.T) {
	requireUnix(t)
	tr := NewTracker(5*time.Second, nil)

	require.NoError(t, tr.Start(exec.Command("sleep", "30")))
	assert.Equal(t, 1, tr.Running())

	start := time.Now()
	require.NoError(t, tr.Reap())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, tr.Running())
}

func TestTracker_ReapKillsStubbornChild(t *testing.T) {
	requireUnix(t)
	tr := NewTracker(100*time.Millisecond, nil)

	require.NoError(t, tr.Start(exec.Command("sh", "-c", `trap "" TERM; exec sleep 30`)))
	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)

	err := tr.Reap()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "killed 1 child process")
	assert.Equal(t, 0, tr.Running())
}

func TestTracker_ExitedChildIsForgotten(t *testing.T) {
	requireUnix(t)
	tr := NewTracker(0, nil)

	require.NoError(t, tr.Start(exec.Command("true")))
	require.Eventually(t, func() bool { return tr.Running() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Reap())
}

func TestTracker_StartAfterReap(t *testing.T) {
	tr := NewTracker(0, nil)
	require.NoError(t, tr.Reap())

	err := tr.Start(exec.Command("true"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestTracker_StartFailure(t *testing.T) {
	tr := NewTracker(0, nil)
	err := tr.Start(exec.Command("/nonexistent/helper-binary"))
	require.Error(t, err)
	assert.Equal(t, 0, tr.Running())
}
