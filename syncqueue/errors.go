// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a queue item id does not exist
	ErrNotFound = errors.New("queue item not found")
	// ErrInvalidItem is returned when enqueue arguments fail validation
	ErrInvalidItem = errors.New("invalid queue item")
)

// StorageError wraps a failure of the underlying database
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("sync queue %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
