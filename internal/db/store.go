// Package db provides the session store, the namespaced KV and the SQLite
// migrations behind them.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

const timeLayout = time.RFC3339Nano

// Store persists sessions, their snapshots and their event timeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Session is the summary row of one analysis session.
type Session struct {
	ID           string    `json:"session_id"`
	UserInput    string    `json:"user_input"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage"`
	StepIndex    int       `json:"step_index"`
	PendingNode  string    `json:"pending_node,omitempty"`
	InterruptID  string    `json:"interrupt_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Update overwrites the mutable session columns.
type Update struct {
	Status       string
	CurrentStage string
	StepIndex    int
	PendingNode  string
	InterruptID  string
	Error        string
}

// Event is a timeline entry.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// EventRecord is a stored timeline entry.
type EventRecord struct {
	Seq      int       `json:"seq"`
	Time     time.Time `json:"ts"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	DataJSON string    `json:"data,omitempty"`
}

// Snapshot is the full serialized state after one node transition.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	StepIndex int       `json:"step_index"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"created_at"`
	State     []byte    `json:"-"`
}

// CreateSession inserts the session row and a session_started event.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC().Format(timeLayout)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id, created_at, updated_at, user_input, mode, status, current_stage, step_index)
		VALUES(?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, now, now, sess.UserInput, sess.Mode, sess.Status, sess.CurrentStage); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert session: %w", err)
	}
	if err := s.insertEvent(ctx, tx, sess.ID, "session_started", "session started", ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// CommitSnapshot stores the snapshot, its events and the session update in
// one transaction.
func (s *Store) CommitSnapshot(ctx context.Context, snap Snapshot, events []Event, update Update) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit snapshot: %w", err)
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(session_id, step_index, node, created_at, state_json) VALUES(?, ?, ?, ?, ?)`,
		snap.SessionID, snap.StepIndex, snap.Node, created.UTC().Format(timeLayout), string(snap.State)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert snapshot: %w", err)
	}
	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, snap.SessionID, ev.Type, ev.Message, ev.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := s.updateSession(ctx, tx, snap.SessionID, update); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// UpdateSession applies an update and an optional event without a snapshot.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, update Update, event *Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update session: %w", err)
	}
	if event != nil {
		if err := s.insertEvent(ctx, tx, sessionID, event.Type, event.Message, event.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := s.updateSession(ctx, tx, sessionID, update); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update session: %w", err)
	}
	return nil
}

func (s *Store) updateSession(ctx context.Context, tx *sql.Tx, sessionID string, u Update) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=?, status=?, current_stage=?, step_index=?, pending_node=?, interrupt_id=?, error=?
		WHERE session_id=?`,
		time.Now().UTC().Format(timeLayout), u.Status, u.CurrentStage, u.StepIndex,
		nullableString(u.PendingNode), nullableString(u.InterruptID), nullableString(u.Error), sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, sessionID, typ, message, dataJSON string) error {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id=?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read event seq: %w", err)
	}
	ts := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(session_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID, seq+1, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetSession returns the session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_input, mode, status, current_stage, step_index,
		COALESCE(pending_node, ''), COALESCE(interrupt_id, ''), COALESCE(error, ''), created_at, updated_at
		FROM sessions WHERE session_id=?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return sess, err
}

// GetSessionStatus returns the status for a session id, or empty if missing.
func (s *Store) GetSessionStatus(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id=?`, sessionID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read session status: %w", err)
	}
	return status, nil
}

// ListSessions returns sessions, newest first. A non-empty status filters.
func (s *Store) ListSessions(ctx context.Context, status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, user_input, mode, status, current_stage, step_index,
		COALESCE(pending_node, ''), COALESCE(interrupt_id, ''), COALESCE(error, ''), created_at, updated_at
		FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, session_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var created, updated string
	if err := row.Scan(&sess.ID, &sess.UserInput, &sess.Mode, &sess.Status, &sess.CurrentStage, &sess.StepIndex,
		&sess.PendingNode, &sess.InterruptID, &sess.Error, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

// LatestSnapshot returns the snapshot with the highest step index.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT step_index, node, created_at, state_json FROM snapshots
		WHERE session_id=? ORDER BY step_index DESC LIMIT 1`, sessionID)
	snap := Snapshot{SessionID: sessionID}
	var created, state string
	if err := row.Scan(&snap.StepIndex, &snap.Node, &created, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read latest snapshot: %w", err)
	}
	snap.CreatedAt = parseTime(created)
	snap.State = []byte(state)
	return snap, true, nil
}

// Snapshots lists snapshot headers in step order; State is not loaded.
func (s *Store) Snapshots(ctx context.Context, sessionID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_index, node, created_at FROM snapshots
		WHERE session_id=? ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{SessionID: sessionID}
		var created string
		if err := rows.Scan(&snap.StepIndex, &snap.Node, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = parseTime(created)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Events returns the session timeline in order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, '') FROM events
		WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var ts string
		if err := rows.Scan(&ev.Seq, &ts, &ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time = parseTime(ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
