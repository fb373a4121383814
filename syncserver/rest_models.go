// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "encoding/json"

// REST/JSON models shared by the apply endpoint and its HTTP client

// ApplyRequest carries one queued client mutation.
// The authoritative device id is the JWT did claim; the body copy must match it.
type ApplyRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`     // UUID assigned when the mutation was queued
	DeviceID       string          `json:"device_id,omitempty"` // device that queued the mutation
	Table          string          `json:"table"`               // e.g. "messages", "groups"
	RecordID       string          `json:"record_id"`           // id of the affected resource
	Op             string          `json:"op"`                  // create, update, delete
	Payload        json.RawMessage `json:"payload,omitempty"`   // JSON object, omitted for most deletes
}

// ApplyResponse is the verdict for one mutation
type ApplyResponse struct {
	Status  string `json:"status"`            // applied, duplicate, rejected
	Reason  string `json:"reason,omitempty"`  // machine-readable rejection reason
	Message string `json:"message,omitempty"` // human-readable details
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// SignInRequest is accepted by the example sign-in endpoint
type SignInRequest struct {
	UserID   string `json:"user"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// SignInResponse returns a bearer token
type SignInResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
}
