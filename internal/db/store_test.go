package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "atelier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestStoreSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.CreateSession(ctx, Session{ID: "s1", UserInput: "150㎡ apartment", Mode: "dynamic", Status: "initializing"}))

	status, err := store.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "initializing", status)

	for step := 1; step <= 3; step++ {
		err := store.CommitSnapshot(ctx,
			Snapshot{SessionID: "s1", StepIndex: step, Node: "node", State: []byte(`{"step":` + string(rune('0'+step)) + `}`)},
			[]Event{{Type: "node_finished", Message: "node finished"}},
			Update{Status: "running", CurrentStage: "node", StepIndex: step},
		)
		require.NoError(t, err)
	}

	snap, ok, err := store.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, snap.StepIndex)
	assert.JSONEq(t, `{"step":3}`, string(snap.State))

	snaps, err := store.Snapshots(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, 1, snaps[0].StepIndex)

	events, err := store.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "session_started", events[0].Type)
	assert.Equal(t, 4, events[3].Seq)

	require.NoError(t, store.UpdateSession(ctx, "s1",
		Update{Status: "waiting_for_input", CurrentStage: "calibration_questionnaire", StepIndex: 3, PendingNode: "calibration_questionnaire", InterruptID: "i-1"},
		&Event{Type: "interrupted", Message: "waiting"}))

	sess, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "waiting_for_input", sess.Status)
	assert.Equal(t, "calibration_questionnaire", sess.PendingNode)
	assert.Equal(t, "i-1", sess.InterruptID)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestStoreDuplicateStepIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "s1", Mode: "fixed", Status: "running"}))

	snap := Snapshot{SessionID: "s1", StepIndex: 1, Node: "input_guard", State: []byte(`{}`)}
	require.NoError(t, store.CommitSnapshot(ctx, snap, nil, Update{Status: "running", StepIndex: 1}))
	require.Error(t, store.CommitSnapshot(ctx, snap, []Event{{Type: "x", Message: "x"}}, Update{Status: "running", StepIndex: 1}))

	events, err := store.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "failed commit must not leave events behind")
}

func TestStoreUnknownSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	status, err := store.GetSessionStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, status)

	_, ok, err := store.LatestSnapshot(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.UpdateSession(ctx, "missing", Update{Status: "running"}, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "a", Mode: "fixed", Status: "completed"}))
	require.NoError(t, store.CreateSession(ctx, Session{ID: "b", Mode: "fixed", Status: "running"}))

	all, err := store.ListSessions(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := store.ListSessions(ctx, "running", 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()
	conn, err := Open(MemoryPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, NewStore(conn).CreateSession(context.Background(), Session{ID: "m", Mode: "fixed", Status: "running"}))
}
