// internal/store/store.go

// Package store is the durable local key-value store for the two opaque
// session blobs — the recovery flag and the progress snapshot — read back
// only by this client on relaunch.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	name       TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Blob names.
const (
	KeyRecoveryFlag     = "recovery-flag"
	KeyProgressSnapshot = "progress-snapshot"
)

// RecoveryFlag marks an interrupted session as recoverable.
type RecoveryFlag struct {
	CanRecover            bool                   `json:"canRecover"`
	DisconnectionMetadata map[string]interface{} `json:"disconnectionMetadata"`
	PreservedAt           time.Time              `json:"preservedAt"`
}

// ProgressSnapshot is the opaque game-progress blob written on every
// confirmed authoritative update.
type ProgressSnapshot struct {
	Room       json.RawMessage `json:"room,omitempty"`
	Game       json.RawMessage `json:"game,omitempty"`
	Turn       json.RawMessage `json:"turn,omitempty"`
	Charleston json.RawMessage `json:"charleston,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	SavedAt    time.Time       `json:"savedAt"`
}

// Store is a SQLite-backed blob store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put serializes v as JSON under name, replacing any prior value.
func (s *Store) Put(ctx context.Context, name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, raw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", name, err)
	}
	return nil
}

// Get unmarshals the blob stored under name into out. The boolean reports
// whether the blob existed.
func (s *Store) Get(ctx context.Context, name string, out interface{}) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the blob stored under name, if present.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return nil
}

// SaveRecoveryFlag persists the recovery flag blob.
func (s *Store) SaveRecoveryFlag(ctx context.Context, f RecoveryFlag) error {
	return s.Put(ctx, KeyRecoveryFlag, f)
}

// LoadRecoveryFlag reads the recovery flag blob back.
func (s *Store) LoadRecoveryFlag(ctx context.Context) (RecoveryFlag, bool, error) {
	var f RecoveryFlag
	ok, err := s.Get(ctx, KeyRecoveryFlag, &f)
	return f, ok, err
}

// ClearRecoveryFlag removes the recovery flag blob.
func (s *Store) ClearRecoveryFlag(ctx context.Context) error {
	return s.Delete(ctx, KeyRecoveryFlag)
}

// SaveProgress persists the progress snapshot blob.
func (s *Store) SaveProgress(ctx context.Context, snap ProgressSnapshot) error {
	return s.Put(ctx, KeyProgressSnapshot, snap)
}

// LoadProgress reads the progress snapshot blob back.
func (s *Store) LoadProgress(ctx context.Context) (ProgressSnapshot, bool, error) {
	var snap ProgressSnapshot
	ok, err := s.Get(ctx, KeyProgressSnapshot, &snap)
	return snap, ok, err
}

// ClearProgress removes the progress snapshot blob.
func (s *Store) ClearProgress(ctx context.Context) error {
	return s.Delete(ctx, KeyProgressSnapshot)
}
