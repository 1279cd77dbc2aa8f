package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/metrics"
	"github.com/rs/zerolog/log"
)

const maxLoggedInput = 200

// Violation is one line of the violation log.
type Violation struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	ViolationType string    `json:"violation_type"`
	Details       any       `json:"details,omitempty"`
	UserInput     string    `json:"user_input"`
	ActionTaken   string    `json:"action_taken"`
}

// ViolationLog appends violations as JSON lines and mirrors them into the
// violations KV namespace when a store is attached.
type ViolationLog struct {
	path string
	kv   db.KV
	rec  *metrics.Recorder
	now  func() time.Time

	mu sync.Mutex
}

// NewViolationLog creates a log writing to path. Empty path disables the
// file; kv and rec may be nil.
func NewViolationLog(path string, kv db.KV, rec *metrics.Recorder) *ViolationLog {
	return &ViolationLog{path: path, kv: kv, rec: rec, now: time.Now}
}

// Record appends v. The session id may be empty but the field is always written.
func (l *ViolationLog) Record(ctx context.Context, v Violation) error {
	if l == nil {
		return nil
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = l.now().UTC()
	}
	v.UserInput = truncateRunes(v.UserInput, maxLoggedInput)
	l.rec.Violation(v.ViolationType)

	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	if err := l.append(line); err != nil {
		return err
	}
	if l.kv != nil {
		ns := db.NS(db.NSViolations, v.Timestamp.Format("2006-01-02"))
		key := strconv.FormatInt(v.Timestamp.UnixNano(), 10) + "_" + v.SessionID
		if err := l.kv.Put(ctx, ns, key, line); err != nil {
			log.Warn().Err(err).Msg("mirror violation to kv")
		}
	}
	log.Warn().
		Str("session_id", v.SessionID).
		Str("violation_type", v.ViolationType).
		Str("action", v.ActionTaken).
		Msg("safety violation")
	return nil
}

func (l *ViolationLog) append(line []byte) error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create violation log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open violation log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write violation log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync violation log: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
