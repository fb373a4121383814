package syncserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateApplyRequest(t *testing.T) {
	s := newService(nil, &ServiceConfig{
		RegisteredTables: []RegisteredTable{{Table: "messages"}, {Table: "Groups"}},
		MaxPayloadBytes:  64,
	}, nil)
	key := uuid.NewString()

	tests := []struct {
		name   string
		req    ApplyRequest
		reason string
	}{
		{"valid create", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "create", Payload: json.RawMessage(`{"text":"hi"}`)}, ""},
		{"valid delete without payload", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "delete"}, ""},
		{"table and op are case insensitive", ApplyRequest{IdempotencyKey: key, Table: " GROUPS ", RecordID: "g1", Op: "UPDATE", Payload: json.RawMessage(`{}`)}, ""},
		{"bad key", ApplyRequest{IdempotencyKey: "nope", Table: "messages", RecordID: "m1", Op: "delete"}, ReasonInvalidIdempotencyKey},
		{"unknown table", ApplyRequest{IdempotencyKey: key, Table: "crops", RecordID: "c1", Op: "delete"}, ReasonUnregisteredTable},
		{"blank record", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "  ", Op: "delete"}, ReasonInvalidRecordID},
		{"unknown op", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "upsert"}, ReasonInvalidOp},
		{"create without payload", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "create"}, ReasonBadPayload},
		{"array payload", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "update", Payload: json.RawMessage(`[1,2]`)}, ReasonBadPayload},
		{"too large", ApplyRequest{IdempotencyKey: key, Table: "messages", RecordID: "m1", Op: "update", Payload: json.RawMessage(`{"text":"` + strings.Repeat("x", 100) + `"}`)}, ReasonPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			resp := s.validateApplyRequest(&req)
			if tt.reason == "" {
				require.Nil(t, resp)
				return
			}
			require.NotNil(t, resp)
			require.Equal(t, StatusRejected, resp.Status)
			require.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestValidateApplyRequest_Normalizes(t *testing.T) {
	s := newService(nil, nil, nil)
	req := ApplyRequest{IdempotencyKey: uuid.NewString(), Table: "Messages", RecordID: "m1", Op: "Create", Payload: json.RawMessage(`{}`)}
	require.Nil(t, s.validateApplyRequest(&req))
	require.Equal(t, "messages", req.Table)
	require.Equal(t, OpCreate, req.Op)
}

func TestService_ClosedRejectsApply(t *testing.T) {
	s := newService(nil, nil, nil)
	require.NoError(t, s.Close())
	_, err := s.Apply(context.Background(), "farmer", "device", &ApplyRequest{})
	require.Error(t, err)
}
