package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrInterrupted marks sessions whose process stopped mid-run.
var ErrInterrupted = errors.New("session interrupted by process restart")

// Recover fails sessions left running or initializing by a previous
// process. Sessions running in this engine, or locked by another process,
// are left alone. It returns the ids it failed.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	var recovered []string
	for _, status := range []string{StatusRunning, StatusInitializing} {
		sessions, err := e.store.ListSessions(ctx, status, 1000)
		if err != nil {
			return recovered, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, sess := range sessions {
			ok, err := e.recoverOne(ctx, sess.ID, sess.CurrentStage)
			if err != nil {
				return recovered, err
			}
			if ok {
				recovered = append(recovered, sess.ID)
			}
		}
	}
	if len(recovered) > 0 {
		log.Warn().Strs("session_ids", recovered).Msg("failed sessions interrupted by a restart")
	}
	return recovered, nil
}

func (e *Engine) recoverOne(ctx context.Context, sessionID, stage string) (bool, error) {
	e.mu.Lock()
	_, running := e.running[sessionID]
	e.mu.Unlock()
	if running {
		return false, nil
	}
	release, err := e.lock(sessionID)
	if errors.Is(err, ErrSessionBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	st, step, err := e.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if stage == "" {
		stage = st.CurrentStage
	}
	st.CurrentStage = stage
	if _, err := e.fail(ctx, st, step, stage, ErrInterrupted, ""); err != nil {
		return false, err
	}
	return true, nil
}
