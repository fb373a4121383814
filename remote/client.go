// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote replays queued mutations against the Smart Farmer apply endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/syncengine"
	"github.com/Moganzk/Smart-Farmer-sub002/syncserver"
)

// ApplyPath is the endpoint mutations are posted to
const ApplyPath = "/sync/apply"

// DefaultTimeout bounds one apply round trip
const DefaultTimeout = 30 * time.Second

// Client is a syncengine.RemoteApplier speaking the apply endpoint's JSON protocol
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error)
	logger  *slog.Logger
}

var _ syncengine.RemoteApplier = (*Client)(nil)

// NewClient creates an apply client; token supplies the bearer token for each request
func NewClient(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Token:   token,
		logger:  logger,
	}
}

// Apply posts m and maps the server verdict: applied and duplicate are
// successes, rejected is a failed result, anything else is an error.
func (c *Client) Apply(ctx context.Context, m syncengine.Mutation) (syncengine.ApplyResult, error) {
	wireReq := syncserver.ApplyRequest{
		IdempotencyKey: m.IdempotencyKey,
		DeviceID:       m.DeviceID,
		Table:          m.TableName,
		RecordID:       m.RecordID,
		Op:             string(m.Operation),
		Payload:        m.Payload,
	}
	jsonData, err := json.Marshal(&wireReq)
	if err != nil {
		return syncengine.ApplyResult{}, fmt.Errorf("failed to marshal apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+ApplyPath, bytes.NewReader(jsonData))
	if err != nil {
		return syncengine.ApplyResult{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return syncengine.ApplyResult{}, fmt.Errorf("failed to get JWT token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set(syncserver.IdempotencyKeyHeader, m.IdempotencyKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return syncengine.ApplyResult{}, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return syncengine.ApplyResult{}, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var applyResp syncserver.ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&applyResp); err != nil {
		return syncengine.ApplyResult{}, fmt.Errorf("failed to decode apply response: %w", err)
	}

	switch applyResp.Status {
	case syncserver.StatusApplied:
		return syncengine.ApplyResult{Success: true}, nil
	case syncserver.StatusDuplicate:
		c.logger.Debug("Mutation already applied", "table", m.TableName, "record_id", m.RecordID, "idempotency_key", m.IdempotencyKey)
		return syncengine.ApplyResult{Success: true, Message: applyResp.Message}, nil
	case syncserver.StatusRejected:
		return syncengine.ApplyResult{Success: false, Message: rejectionMessage(&applyResp)}, nil
	default:
		return syncengine.ApplyResult{}, fmt.Errorf("unexpected apply status %q", applyResp.Status)
	}
}

func rejectionMessage(r *syncserver.ApplyResponse) string {
	switch {
	case r.Reason != "" && r.Message != "":
		return r.Reason + ": " + r.Message
	case r.Reason != "":
		return r.Reason
	default:
		return r.Message
	}
}
