// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Moganzk/Smart-Farmer-sub002/internal/auth"
)

// IdempotencyKeyHeader may carry the key instead of, or in addition to, the body field
const IdempotencyKeyHeader = "Idempotency-Key"

// Applier applies a single mutation; *Service implements it
type Applier interface {
	Apply(ctx context.Context, userID, deviceID string, req *ApplyRequest) (*ApplyResponse, error)
}

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes the apply service over HTTP
type HTTPHandlers struct {
	service       Applier
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the HTTP handlers; authenticator may be nil when
// every route sits behind JWTAuth.Middleware
func NewHTTPHandlers(service Applier, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// identity prefers what the middleware put in the context and falls back to the authenticator
func (h *HTTPHandlers) identity(r *http.Request) (userID, deviceID string, err error) {
	userID, okUser := auth.GetUserID(r.Context())
	deviceID, okDevice := auth.GetDeviceID(r.Context())
	if okUser && okDevice {
		return userID, deviceID, nil
	}
	if h.authenticator == nil {
		return "", "", errors.New("request is not authenticated")
	}
	if userID, err = h.authenticator.GetUserID(r); err != nil {
		return "", "", err
	}
	if deviceID, err = h.authenticator.GetDeviceID(r); err != nil {
		return "", "", err
	}
	return userID, deviceID, nil
}

// HandleApply applies one queued mutation
func (h *HTTPHandlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Only POST method is allowed")
		return
	}

	userID, deviceID, err := h.identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, ErrCodeAuthenticationFailed, err.Error())
		return
	}

	var req ApplyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to parse apply request")
		return
	}

	if headerKey := r.Header.Get(IdempotencyKeyHeader); headerKey != "" {
		switch req.IdempotencyKey {
		case "":
			req.IdempotencyKey = headerKey
		case headerKey:
		default:
			h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Idempotency-Key header does not match idempotency_key")
			return
		}
	}

	if req.DeviceID != "" && req.DeviceID != deviceID {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "device_id does not match the authenticated device")
		return
	}

	response, err := h.service.Apply(r.Context(), userID, deviceID, &req)
	if err != nil {
		h.logger.Error("Failed to apply mutation", "error", err, "device_id", deviceID, "table", req.Table)
		h.writeError(w, http.StatusInternalServerError, ErrCodeApplyFailed, "Failed to apply mutation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode apply response", "error", err, "device_id", deviceID)
	}
}

// HandleHealth reports liveness
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
