package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KV namespaces.
const (
	NSSession             = "session"
	NSAgentContext        = "agent_context"
	NSViolations          = "violations"
	NSImages              = "images"
	NSMotivationUnmatched = "motivation_unmatched"
)

// KV backends accepted by storage.kv_backend.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

var allowedNamespaces = map[string]struct{}{
	NSSession:             {},
	NSAgentContext:        {},
	NSViolations:          {},
	NSImages:              {},
	NSMotivationUnmatched: {},
}

// ErrNamespaceNotAllowed is returned for namespaces outside the allowed set.
var ErrNamespaceNotAllowed = errors.New("kv namespace not allowed")

// Namespace is a (name, scope) pair such as ("images", session_id).
type Namespace struct {
	Name  string
	Scope string
}

// NS builds a namespace.
func NS(name, scope string) Namespace { return Namespace{Name: name, Scope: scope} }

func (n Namespace) String() string { return n.Name + "/" + n.Scope }

func (n Namespace) validate() error {
	if _, ok := allowedNamespaces[n.Name]; !ok {
		return fmt.Errorf("%q: %w", n.Name, ErrNamespaceNotAllowed)
	}
	return nil
}

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// KV is a namespaced key-value store.
type KV interface {
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)
	Delete(ctx context.Context, ns Namespace, key string) error
	List(ctx context.Context, ns Namespace) ([]Entry, error)
}

// NewKV returns the configured backend. The sqlite backend needs conn.
func NewKV(backend string, conn *sql.DB) (KV, error) {
	switch backend {
	case BackendSQLite, "":
		if conn == nil {
			return nil, fmt.Errorf("sqlite kv requires a database")
		}
		return NewSQLiteKV(conn), nil
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}

// PutJSON stores v as JSON.
func PutJSON(ctx context.Context, kv KV, ns Namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", ns, key, err)
	}
	return kv.Put(ctx, ns, key, data)
}

// GetJSON loads a JSON value; ok is false when the key is absent.
func GetJSON[T any](ctx context.Context, kv KV, ns Namespace, key string) (T, bool, error) {
	var out T
	data, ok, err := kv.Get(ctx, ns, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	return out, true, nil
}

// ListJSON decodes every value in a namespace in key order.
func ListJSON[T any](ctx context.Context, kv KV, ns Namespace) ([]T, error) {
	entries, err := kv.List(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", ns, e.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// SQLiteKV stores entries in the kv table.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV creates a KV on an opened database.
func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

// Put implements KV.
func (k *SQLiteKV) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := ns.validate(); err != nil {
		return err
	}
	_, err := k.db.ExecContext(ctx, `INSERT INTO kv(namespace, scope, key, value_json, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(namespace, scope, key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		ns.Name, ns.Scope, key, string(value), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put kv %s/%s: %w", ns, key, err)
	}
	return nil
}

// Get implements KV.
func (k *SQLiteKV) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := ns.validate(); err != nil {
		return nil, false, err
	}
	var value string
	err := k.db.QueryRowContext(ctx, `SELECT value_json FROM kv WHERE namespace=? AND scope=? AND key=?`,
		ns.Name, ns.Scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get kv %s/%s: %w", ns, key, err)
	}
	return []byte(value), true, nil
}

// Delete implements KV.
func (k *SQLiteKV) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := ns.validate(); err != nil {
		return err
	}
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace=? AND scope=? AND key=?`, ns.Name, ns.Scope, key); err != nil {
		return fmt.Errorf("delete kv %s/%s: %w", ns, key, err)
	}
	return nil
}

// List implements KV.
func (k *SQLiteKV) List(ctx context.Context, ns Namespace) ([]Entry, error) {
	if err := ns.validate(); err != nil {
		return nil, err
	}
	rows, err := k.db.QueryContext(ctx, `SELECT key, value_json, updated_at FROM kv WHERE namespace=? AND scope=? ORDER BY key`,
		ns.Name, ns.Scope)
	if err != nil {
		return nil, fmt.Errorf("list kv %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var value, updated string
		if err := rows.Scan(&e.Key, &value, &updated); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		e.Value = []byte(value)
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv: %w", err)
	}
	return out, nil
}

// MemoryKV is the in-process fallback backend.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[Namespace]map[string]Entry
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[Namespace]map[string]Entry)}
}

// Put implements KV.
func (m *MemoryKV) Put(_ context.Context, ns Namespace, key string, value []byte) error {
	if err := ns.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[ns]
	if !ok {
		bucket = make(map[string]Entry)
		m.data[ns] = bucket
	}
	bucket[key] = Entry{Key: key, Value: append([]byte(nil), value...), UpdatedAt: time.Now().UTC()}
	return nil
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := ns.validate(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.Value...), true, nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, ns Namespace, key string) error {
	if err := ns.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

// List implements KV.
func (m *MemoryKV) List(_ context.Context, ns Namespace) ([]Entry, error) {
	if err := ns.validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.data[ns]))
	for _, e := range m.data[ns] {
		e.Value = append([]byte(nil), e.Value...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
