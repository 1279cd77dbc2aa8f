package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, store *Store, id, status string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, Session{ID: id, UserInput: "茶室设计", Mode: "dynamic", Status: status}))
	created := time.Now().UTC().Add(-age).Format(timeLayout)
	_, err := store.DB().ExecContext(ctx, `UPDATE sessions SET created_at=? WHERE session_id=?`, created, id)
	require.NoError(t, err)
}

func TestPruneSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)
	kv := NewSQLiteKV(store.DB())
	images := t.TempDir()

	seedSession(t, store, "new", "completed", time.Hour)
	seedSession(t, store, "old-done", "completed", 10*24*time.Hour)
	seedSession(t, store, "old-waiting", "waiting_for_input", 11*24*time.Hour)
	seedSession(t, store, "old-failed", "failed", 12*24*time.Hour)
	require.NoError(t, PutJSON(ctx, kv, NS(NSSession, "old-done"), "meta", map[string]string{"source": "api"}))
	require.NoError(t, os.MkdirAll(filepath.Join(images, "old-done"), 0o755))

	res, err := store.PruneSessions(ctx, RetentionPolicy{KeepDays: 7}, images, true)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Considered: 4, Kept: 2, Deleted: 2}, res)
	_, err = store.GetSession(ctx, "old-done")
	require.NoError(t, err, "dry run keeps rows")

	res, err = store.PruneSessions(ctx, RetentionPolicy{KeepDays: 7}, images, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	_, err = store.GetSession(ctx, "old-done")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.GetSession(ctx, "old-waiting")
	require.NoError(t, err)
	_, ok, err := GetJSON[map[string]string](ctx, kv, NS(NSSession, "old-done"), "meta")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(images, "old-done"))
}

func TestPruneSessionsKeepLast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, "a", "completed", time.Hour)
	seedSession(t, store, "b", "rejected", 2*time.Hour)
	seedSession(t, store, "c", "cancelled", 3*time.Hour)

	res, err := store.PruneSessions(ctx, RetentionPolicy{KeepLast: 1}, "", false)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Considered: 3, Kept: 1, Deleted: 2}, res)

	sessions, err := store.ListSessions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a", sessions[0].ID)

	res, err = store.PruneSessions(ctx, RetentionPolicy{}, "", false)
	require.NoError(t, err)
	assert.Zero(t, res.Considered)
}
