// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// validateApplyRequest normalizes req in place and returns a rejection, or nil if it may be applied
func (s *Service) validateApplyRequest(req *ApplyRequest) *ApplyResponse {
	if _, err := uuid.Parse(req.IdempotencyKey); err != nil {
		return reject(ReasonInvalidIdempotencyKey, "idempotency_key must be a UUID")
	}

	req.Table = strings.ToLower(strings.TrimSpace(req.Table))
	if !s.IsTableRegistered(req.Table) {
		return reject(ReasonUnregisteredTable, fmt.Sprintf("table %q is not registered for sync", req.Table))
	}

	if strings.TrimSpace(req.RecordID) == "" {
		return reject(ReasonInvalidRecordID, "record_id is required")
	}

	req.Op = strings.ToLower(req.Op)
	switch req.Op {
	case OpCreate, OpUpdate:
		if len(req.Payload) == 0 {
			return reject(ReasonBadPayload, req.Op+" requires a payload")
		}
	case OpDelete:
	default:
		return reject(ReasonInvalidOp, fmt.Sprintf("unknown op %q", req.Op))
	}

	if len(req.Payload) > 0 {
		if limit := s.config.MaxPayloadBytes; limit > 0 && len(req.Payload) > limit {
			return reject(ReasonPayloadTooLarge, fmt.Sprintf("payload is %d bytes, limit is %d", len(req.Payload), limit))
		}
		trimmed := bytes.TrimSpace(req.Payload)
		if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
			return reject(ReasonBadPayload, "payload must be a JSON object")
		}
	}
	return nil
}

func reject(reason, message string) *ApplyResponse {
	return &ApplyResponse{Status: StatusRejected, Reason: reason, Message: message}
}
