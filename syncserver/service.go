// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the reference receiver for queued Smart Farmer
// mutations: it applies each one at most once per idempotency key and keeps
// the latest state per record in Postgres.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MutationHandler materializes an applied mutation into business tables.
// It runs inside the apply transaction; an error rolls the apply back.
type MutationHandler interface {
	ApplyMutation(ctx context.Context, tx pgx.Tx, userID string, req *ApplyRequest) error
}

// MutationHandlerFunc adapts a function to MutationHandler
type MutationHandlerFunc func(ctx context.Context, tx pgx.Tx, userID string, req *ApplyRequest) error

func (f MutationHandlerFunc) ApplyMutation(ctx context.Context, tx pgx.Tx, userID string, req *ApplyRequest) error {
	return f(ctx, tx, userID, req)
}

// RegisteredTable is a table clients may sync, with an optional handler
type RegisteredTable struct {
	Table   string
	Handler MutationHandler
}

// ServiceConfig holds configuration for the apply service
type ServiceConfig struct {
	AppName          string            // reported as application_name to Postgres
	RegisteredTables []RegisteredTable // tables allowed for sync (required)
	MaxPayloadBytes  int               // 0 = unlimited
	MaxTxRetries     int               // 0 = default
}

// DefaultServiceConfig returns a config accepting the Smart Farmer offline tables
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName: "smart-farmer-sync",
		RegisteredTables: []RegisteredTable{
			{Table: "messages"},
			{Table: "groups"},
			{Table: "group_members"},
			{Table: "profiles"},
			{Table: "settings"},
		},
		MaxPayloadBytes: 256 * 1024,
	}
}

// Service applies client mutations to Postgres
type Service struct {
	pool     *pgxpool.Pool
	config   *ServiceConfig
	logger   *slog.Logger
	handlers map[string]MutationHandler

	mu               sync.RWMutex
	registeredTables map[string]bool
	closed           bool
}

// errMaterialize marks handler failures so they turn into a rejection instead of a 500
type errMaterialize struct{ err error }

func (e *errMaterialize) Error() string { return "materialization failed: " + e.err.Error() }
func (e *errMaterialize) Unwrap() error { return e.err }

// NewService creates the apply service and its schema on pool.
// The pool stays owned by the caller.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	s := newService(pool, config, logger)
	if len(s.registeredTables) == 0 {
		return nil, fmt.Errorf("at least one registered table is required")
	}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize apply schema: %w", err)
	}
	s.logger.Debug("Apply schema initialized", "tables", len(s.registeredTables))
	return s, nil
}

func newService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		pool:             pool,
		config:           config,
		logger:           logger,
		handlers:         make(map[string]MutationHandler),
		registeredTables: make(map[string]bool),
	}
	for _, rt := range config.RegisteredTables {
		key := strings.ToLower(rt.Table)
		s.registeredTables[key] = true
		if rt.Handler != nil {
			s.handlers[key] = rt.Handler
		}
	}
	return s
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// One row per accepted mutation; the unique key is the idempotency gate
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.applied_mutations (
			id              BIGSERIAL   PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			idempotency_key UUID        NOT NULL,
			device_id       TEXT        NOT NULL,
			table_name      TEXT        NOT NULL,
			record_id       TEXT        NOT NULL,
			op              TEXT        NOT NULL CHECK (op IN ('create','update','delete')),
			payload         JSONB,
			applied_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, idempotency_key)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS applied_mutations_record_idx
			ON sync.applied_mutations (user_id, table_name, record_id, id)`,

		// Latest known state of every synced record
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.record_state (
			user_id     TEXT        NOT NULL,
			table_name  TEXT        NOT NULL,
			record_id   TEXT        NOT NULL,
			payload     JSONB,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			mutation_id BIGINT      NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, table_name, record_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close marks the service closed; the pool is not closed
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool
func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// IsTableRegistered reports whether table may be synced
func (s *Service) IsTableRegistered(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registeredTables[strings.ToLower(table)]
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("apply service has been closed")
	}
	return nil
}

// Apply records and materializes one mutation for userID sent from deviceID.
// Invalid mutations come back as a rejected response, not an error; errors
// are reserved for infrastructure failures the client should retry.
func (s *Service) Apply(ctx context.Context, userID, deviceID string, req *ApplyRequest) (*ApplyResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if rejection := s.validateApplyRequest(req); rejection != nil {
		s.logger.Debug("Rejected mutation", "user_id", userID, "reason", rejection.Reason, "table", req.Table)
		return rejection, nil
	}

	var resp *ApplyResponse
	err := s.inTxWithRetry(ctx, func(tx pgx.Tx) error {
		r, err := s.applyInTx(ctx, tx, userID, deviceID, req)
		resp = r
		return err
	})

	var matErr *errMaterialize
	if errors.As(err, &matErr) {
		s.logger.Warn("Mutation handler failed", "user_id", userID, "table", req.Table, "record_id", req.RecordID, "error", matErr.err)
		return reject(ReasonMaterializeError, matErr.Error()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s %s/%s: %w", req.Op, req.Table, req.RecordID, err)
	}

	s.logger.Debug("Mutation processed", "user_id", userID, "device_id", deviceID,
		"table", req.Table, "record_id", req.RecordID, "op", req.Op, "status", resp.Status)
	return resp, nil
}

func (s *Service) applyInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, req *ApplyRequest) (*ApplyResponse, error) {
	var mutationID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.applied_mutations (user_id, idempotency_key, device_id, table_name, record_id, op, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
		RETURNING id
	`, userID, req.IdempotencyKey, deviceID, req.Table, req.RecordID, req.Op, payloadArg(req.Payload)).Scan(&mutationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ApplyResponse{Status: StatusDuplicate, Message: "mutation already applied"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record mutation: %w", err)
	}

	deleted := req.Op == OpDelete
	var payload any
	if !deleted {
		payload = payloadArg(req.Payload)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync.record_state (user_id, table_name, record_id, payload, deleted, mutation_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, table_name, record_id) DO UPDATE
		SET payload = EXCLUDED.payload, deleted = EXCLUDED.deleted,
		    mutation_id = EXCLUDED.mutation_id, updated_at = EXCLUDED.updated_at
	`, userID, req.Table, req.RecordID, payload, deleted, mutationID); err != nil {
		return nil, fmt.Errorf("failed to update record state: %w", err)
	}

	if h := s.handlers[req.Table]; h != nil {
		if err := h.ApplyMutation(ctx, tx, userID, req); err != nil {
			return nil, &errMaterialize{err: err}
		}
	}
	return &ApplyResponse{Status: StatusApplied}, nil
}

// payloadArg maps an empty payload to SQL NULL
func payloadArg(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
