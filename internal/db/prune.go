package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RetentionPolicy controls session cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int `json:"considered"`
	Kept       int `json:"kept"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
}

// activeStatuses are never pruned.
var activeStatuses = map[string]struct{}{
	"initializing":      {},
	"running":           {},
	"waiting_for_input": {},
}

// PruneSessions deletes old finished sessions with their snapshots, events,
// session-scoped KV entries and image directory under imagesDir.
func (s *Store) PruneSessions(ctx context.Context, policy RetentionPolicy, imagesDir string, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, created_at, status FROM sessions ORDER BY created_at DESC, session_id`)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list sessions: %w", err)
	}
	type row struct {
		id        string
		createdAt time.Time
		status    string
	}
	var sessions []row
	for rows.Next() {
		var id, created, status string
		if err := rows.Scan(&id, &created, &status); err != nil {
			_ = rows.Close()
			return PruneResult{}, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, row{id: id, createdAt: parseTime(created), status: status})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return PruneResult{}, fmt.Errorf("iterate sessions: %w", err)
	}
	_ = rows.Close()

	res := PruneResult{Considered: len(sessions)}
	for idx, r := range sessions {
		_, active := activeStatuses[r.status]
		keep := active
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 && (r.createdAt.IsZero() || r.createdAt.After(cutoff)) {
			keep = true
		}
		if keep {
			res.Kept++
			continue
		}
		if dryRun {
			res.Deleted++
			continue
		}
		if imagesDir != "" {
			if err := os.RemoveAll(filepath.Join(imagesDir, r.id)); err != nil && !os.IsNotExist(err) {
				res.Skipped++
				continue
			}
		}
		if err := s.deleteSession(ctx, r.id); err != nil {
			return res, err
		}
		res.Deleted++
	}
	return res, nil
}

func (s *Store) deleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM kv WHERE scope=?`,
		`DELETE FROM events WHERE session_id=?`,
		`DELETE FROM snapshots WHERE session_id=?`,
		`DELETE FROM sessions WHERE session_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}
