package workflow

import (
	"context"
	"testing"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverFailsOrphanedSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "ses-orphan", "设计一间茶室", ModeDynamic)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateSession(ctx, "ses-orphan", db.Update{Status: StatusRunning, CurrentStage: NodeBatch}, nil))

	_, err = h.engine.Create(ctx, "ses-fresh", "设计一间茶室", ModeDynamic)
	require.NoError(t, err)

	snap, err := h.engine.Start(ctx, "ses-done", "用Python写一个爬虫程序", ModeDynamic)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, snap.Status)

	recovered, err := h.newEngine(t).Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ses-orphan", "ses-fresh"}, recovered)

	snap, err = h.engine.Status(ctx, "ses-orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, NodeBatch, snap.CurrentStage)
	assert.Equal(t, safety.ReasonNodeError, snap.State.RejectionReason)
	assert.Contains(t, snap.Error, ErrInterrupted.Error())

	snap, err = h.engine.Status(ctx, "ses-done")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, snap.Status)

	recovered, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
