// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncqueue

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a queue item replays
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Status is the processing state of a queue item
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed" // dead-lettered, never picked up by ListPending
)

// DefaultBatchSize bounds how many pending items one drain fetches
const DefaultBatchSize = 100

// QueueItem is one locally recorded mutation waiting to be replayed remotely
type QueueItem struct {
	ID             int64
	TableName      string
	RecordID       string
	Operation      Operation
	Payload        json.RawMessage // nil for most deletes
	Status         Status
	Attempts       int
	IdempotencyKey string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stats holds per-status row counts
type Stats struct {
	Pending int
	Synced  int
	Failed  int
}

// Total returns the number of rows across all statuses
func (s Stats) Total() int {
	return s.Pending + s.Synced + s.Failed
}
