// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncqueue provides the durable SQLite-backed queue of local
// mutations awaiting replay against the Smart Farmer backend, together with
// the persisted sync settings.
package syncqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store manages the sync_queue and sync_settings tables of a local database
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize writes to avoid SQLite locking issues
	now     func() time.Time
}

// Open opens a local SQLite database file tuned for a single-writer mobile client
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// One connection: all access goes through the queue store, and a single
	// connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return db, nil
}

// NewStore creates the queue store and its schema on db
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source used for created_at/updated_at and settings timestamps
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.writeMu.Lock()
	s.now = now
	s.writeMu.Unlock()
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB { return s.db }

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			operation       TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload         TEXT,                      -- JSON, NULL for deletes
			status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced','failed')),
			attempts        INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL UNIQUE,
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,          -- unix millis
			updated_at      INTEGER NOT NULL           -- unix millis
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_status_id_idx
			ON sync_queue (status, id)`,
		`CREATE TABLE IF NOT EXISTS sync_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Enqueue records a new pending mutation and returns its id
func (s *Store) Enqueue(ctx context.Context, tableName, recordID string, op Operation, payload json.RawMessage) (int64, error) {
	payload = normalizePayload(op, payload)
	if err := validateItem(tableName, recordID, op, payload); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, operation, payload, status, attempts, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`, tableName, recordID, string(op), nullablePayload(payload), uuid.NewString(), now, now)
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("enqueue", err)
	}

	s.logger.Debug("Enqueued mutation", "id", id, "table", tableName, "record_id", recordID, "op", op)
	return id, nil
}

func validateItem(tableName, recordID string, op Operation, payload json.RawMessage) error {
	if strings.TrimSpace(tableName) == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidItem)
	}
	if strings.TrimSpace(recordID) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidItem)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidItem, op)
	}
	if len(payload) == 0 {
		if op != OpDelete {
			return fmt.Errorf("%w: %s requires a payload", ErrInvalidItem, op)
		}
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidItem)
	}
	// The backend only accepts JSON objects
	if payload[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidItem)
	}
	return nil
}

// normalizePayload trims whitespace and drops a JSON null sent with a delete
func normalizePayload(op Operation, payload json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || (op == OpDelete && bytes.Equal(trimmed, []byte("null"))) {
		return nil
	}
	return json.RawMessage(trimmed)
}

func nullablePayload(payload json.RawMessage) sql.NullString {
	if len(payload) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(payload), Valid: true}
}

const selectItemColumns = `id, table_name, record_id, operation, payload, status, attempts, idempotency_key, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (QueueItem, error) {
	var (
		item               QueueItem
		op, status         string
		payload            sql.NullString
		createdAt, updated int64
	)
	if err := row.Scan(&item.ID, &item.TableName, &item.RecordID, &op, &payload, &status,
		&item.Attempts, &item.IdempotencyKey, &item.LastError, &createdAt, &updated); err != nil {
		return QueueItem{}, err
	}
	item.Operation = Operation(op)
	item.Status = Status(status)
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updated)
	return item, nil
}

// ListPending returns up to limit pending items in insertion order
func (s *Store) ListPending(ctx context.Context, limit int) ([]QueueItem, error) {
	return s.listByStatus(ctx, "list pending", StatusPending, limit)
}

// ListFailed returns up to limit dead-lettered items in insertion order
func (s *Store) ListFailed(ctx context.Context, limit int) ([]QueueItem, error) {
	return s.listByStatus(ctx, "list failed", StatusFailed, limit)
}

func (s *Store) listByStatus(ctx context.Context, op string, status Status, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectItemColumns+`
		FROM sync_queue
		WHERE status = ?
		ORDER BY id
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return items, nil
}

// Get returns a single queue item by id
func (s *Store) Get(ctx context.Context, id int64) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectItemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return QueueItem{}, storageErr("get", err)
	}
	return item, nil
}

// MarkSynced flags the item as replayed; it is never listed as pending again
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	return s.updateItem(ctx, "mark synced", id, `
		UPDATE sync_queue SET status = 'synced', last_error = '', updated_at = ? WHERE id = ?
	`, s.nowMillis(), id)
}

// MarkAttemptFailed records a failed replay; the item stays pending
func (s *Store) MarkAttemptFailed(ctx context.Context, id int64, cause error) error {
	return s.updateItem(ctx, "mark attempt failed", id, `
		UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?
	`, errorText(cause), s.nowMillis(), id)
}

// MarkFailed records a failed replay and moves the item to the terminal failed state
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	return s.updateItem(ctx, "mark failed", id, `
		UPDATE sync_queue SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?
	`, errorText(cause), s.nowMillis(), id)
}

func (s *Store) nowMillis() int64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.now().UnixMilli()
}

func (s *Store) updateItem(ctx context.Context, op string, id int64, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w: id %d", op, ErrNotFound, id)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// CountPending returns the number of items still awaiting replay
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, storageErr("count pending", err)
	}
	return n, nil
}

// Stats returns row counts grouped by status
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, storageErr("stats", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = n
		case StatusSynced:
			stats.Synced = n
		case StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return stats, nil
}

// RequeueFailed moves every dead-lettered item back to pending with a fresh attempt count
func (s *Store) RequeueFailed(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = 0, updated_at = ? WHERE status = 'failed'
	`, s.now().UnixMilli())
	if err != nil {
		return 0, storageErr("requeue failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("requeue failed", err)
	}
	if n > 0 {
		s.logger.Info("Requeued failed mutations", "count", n)
	}
	return int(n), nil
}

// PurgeSynced deletes synced items last updated before olderThan
func (s *Store) PurgeSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = 'synced' AND updated_at < ?
	`, olderThan.UnixMilli())
	if err != nil {
		return 0, storageErr("purge synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge synced", err)
	}
	if n > 0 {
		s.logger.Debug("Purged synced mutations", "count", n, "older_than", olderThan)
	}
	return n, nil
}
