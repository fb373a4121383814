// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// Apply statuses
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate" // idempotency key seen before, nothing re-applied
	StatusRejected  = "rejected"
)

// Mutation operations as sent on the wire
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Rejection reasons
const (
	ReasonInvalidIdempotencyKey = "invalid_idempotency_key"
	ReasonUnregisteredTable     = "unregistered_table"
	ReasonInvalidRecordID       = "invalid_record_id"
	ReasonInvalidOp             = "invalid_op"
	ReasonBadPayload            = "bad_payload"
	ReasonPayloadTooLarge       = "payload_too_large"
	ReasonMaterializeError      = "materialize_error"
)

// HTTP error codes
const (
	ErrCodeMethodNotAllowed     = "method_not_allowed"
	ErrCodeAuthenticationFailed = "authentication_failed"
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeApplyFailed          = "apply_failed"
)

const (
	// maxRequestBytes bounds the body of one apply request
	maxRequestBytes = 1 << 20
	// defaultMaxTxRetries is how often a serialization/deadlock failure is retried
	defaultMaxTxRetries = 5
)
