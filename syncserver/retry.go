// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// txRetryBaseDelay is the pause before the first retry; it grows linearly per attempt
const txRetryBaseDelay = 20 * time.Millisecond

// inTxWithRetry runs fn in a read-committed transaction, retrying when
// Postgres aborts it for serialization, deadlock or lock-timeout reasons.
func (s *Service) inTxWithRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	maxRetries := s.config.MaxTxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxTxRetries
	}

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Debug("Retrying apply transaction", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*txRetryBaseDelay); serr != nil {
			return serr
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
