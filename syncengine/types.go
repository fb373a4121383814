// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/netwatch"
	"github.com/Moganzk/Smart-Farmer-sub002/syncqueue"
)

// State is the engine's position in the idle -> syncing -> success/error cycle
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Reason explains why a sync did not start or did not complete
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInProgress       Reason = "in_progress"
	ReasonNotReady         Reason = "not_ready"
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonWifiRequired     Reason = "wifi_required"
	ReasonNoConnection     Reason = "no_connection"
	ReasonSyncFailed       Reason = "sync_failed"
)

// ErrApplyRejected marks a remote apply that returned a failure result instead of an error
var ErrApplyRejected = errors.New("remote apply rejected")

// Details describes the outcome of the most recent sync attempt
type Details struct {
	Message      string
	Reason       Reason
	SuccessCount int
	ErrorCount   int
	DeadLettered int
}

// Status is a read-only snapshot of the engine
type Status struct {
	State             State
	LastSyncTimestamp time.Time // zero if never synced
	PendingCount      int
	Details           Details
	InProgress        bool
}

// Mutation is what the engine hands to the remote side for one queue item
type Mutation struct {
	TableName      string
	RecordID       string
	Operation      syncqueue.Operation
	Payload        json.RawMessage
	IdempotencyKey string
	DeviceID       string
}

// ApplyResult is the remote verdict for one mutation
type ApplyResult struct {
	Success bool
	Message string
}

// RemoteApplier replays one mutation against the backend.
// A returned error and a result with Success=false are treated alike.
type RemoteApplier interface {
	Apply(ctx context.Context, m Mutation) (ApplyResult, error)
}

// RemoteApplierFunc adapts a function to RemoteApplier
type RemoteApplierFunc func(ctx context.Context, m Mutation) (ApplyResult, error)

func (f RemoteApplierFunc) Apply(ctx context.Context, m Mutation) (ApplyResult, error) {
	return f(ctx, m)
}

// Queue is the subset of the queue store the engine drives
type Queue interface {
	ListPending(ctx context.Context, limit int) ([]syncqueue.QueueItem, error)
	MarkSynced(ctx context.Context, id int64) error
	MarkAttemptFailed(ctx context.Context, id int64, cause error) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	CountPending(ctx context.Context) (int, error)
	SaveLastSync(ctx context.Context, t time.Time) error
}

// Authenticator reports whether a user session is active
type Authenticator interface {
	IsAuthenticated() bool
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func() bool

func (f AuthenticatorFunc) IsAuthenticated() bool { return f() }

// Connectivity supplies the current network snapshot
type Connectivity interface {
	NetworkState() netwatch.NetworkState
}
