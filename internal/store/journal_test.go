package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/event"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	r, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", r.ATSName)
	assert.Equal(t, int64(7), r.JobID)
	assert.True(t, r.StartedAt.Equal(testEpoch))
	assert.False(t, r.Stopped)

	require.NoError(t, s.EndRun(ctx, "run-1", 9, testEpoch.Add(5e9), 0, "success"))

	r, err = s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, r.Stopped)
	assert.Equal(t, int64(9), r.StoppedSeq)
	assert.Equal(t, 0, r.OutcomeCode)
	assert.Equal(t, "success", r.OutcomeMessage)
}

func TestEndRun_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	require.NoError(t, s.EndRun(ctx, "run-1", 2, testEpoch, 1, "cancelled"))
	err := s.EndRun(ctx, "run-1", 3, testEpoch, 0, "success")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already stopped")

	r, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.OutcomeCode)
}

func TestReadRun_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestLatestRun(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.LatestRun(ctx)
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	beginTestRun(t, s, "run-b")
	beginTestRun(t, s, "run-a")

	r, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-a", r.RunID)
}

func TestAppendAndReadEvents(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	started := createTestEvent("run-1", 1, event.ClassCore, event.KindRunStarted)
	user := createTestEvent("run-1", 3, event.ClassUser, event.KindUser)
	user.Message = "sending REGISTER"
	user.Attrs = map[string]string{"probe": "sut", "dir": "out"}
	user.Payload = "UkVHSVNURVI="
	user.Encoding = event.EncodingBase64
	user.Truncated = true
	internal := createTestEvent("run-1", 2, event.ClassInternal, event.KindInternal)

	for _, e := range []event.Event{started, user, internal} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
	assert.Nil(t, events[0].Attrs)

	got := events[2]
	assert.Equal(t, event.ClassUser, got.Class)
	assert.Equal(t, "sending REGISTER", got.Message)
	assert.Equal(t, map[string]string{"probe": "sut", "dir": "out"}, got.Attrs)
	assert.Equal(t, "UkVHSVNURVI=", got.Payload)
	assert.Equal(t, event.EncodingBase64, got.Encoding)
	assert.True(t, got.Truncated)
	assert.Empty(t, events[1].Encoding)
	assert.True(t, got.Time.Equal(user.Time))
}

func TestReadEventsByClass(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	require.NoError(t, s.AppendEvent(ctx, createTestEvent("run-1", 1, event.ClassCore, event.KindRunStarted)))
	require.NoError(t, s.AppendEvent(ctx, createTestEvent("run-1", 2, event.ClassAction, event.KindActionRequested)))
	require.NoError(t, s.AppendEvent(ctx, createTestEvent("run-1", 3, event.ClassAction, event.KindActionCleared)))

	events, err := s.ReadEventsByClass(ctx, "run-1", event.ClassAction)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindActionRequested, events[0].Kind)
	assert.Equal(t, event.KindActionCleared, events[1].Kind)
}

func TestReadEvents_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	events, err := s.ReadEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestAppendEvent_UnknownRunRejected(t *testing.T) {
	s := createTestStore(t)
	err := s.AppendEvent(context.Background(), createTestEvent("ghost", 1, event.ClassCore, event.KindRunStarted))
	require.Error(t, err)
}

func TestAppendEvent_DuplicateSeqRejected(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	beginTestRun(t, s, "run-1")

	require.NoError(t, s.AppendEvent(ctx, createTestEvent("run-1", 1, event.ClassCore, event.KindRunStarted)))
	require.Error(t, s.AppendEvent(ctx, createTestEvent("run-1", 1, event.ClassUser, event.KindUser)))
}
