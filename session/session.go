// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package session holds the signed-in farmer's bearer token on the device.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime requested for issued tokens
const DefaultTTL = 24 * time.Hour

// refreshWindow is how close to expiry a token gets refreshed
const refreshWindow = 5 * time.Minute

// ErrNoSession is returned when no farmer is signed in
var ErrNoSession = errors.New("no active session")

// TokenIssuer mints tokens; syncserver.JWTAuth implements it
type TokenIssuer interface {
	GenerateToken(userID, deviceID string, expiration time.Duration) (string, error)
}

type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Session manages the current farmer identity and JWT token
type Session struct {
	issuer TokenIssuer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	userID    string
	deviceID  string
	token     string
	expiresAt time.Time
	active    bool
}

// New creates a signed-out session. issuer may be nil when tokens only
// arrive through Adopt; such sessions cannot refresh.
func New(issuer TokenIssuer, ttl time.Duration, logger *slog.Logger) *Session {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		issuer: issuer,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests)
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SignIn issues a token for userID on deviceID
func (s *Session) SignIn(userID, deviceID string) error {
	if s.issuer == nil {
		return fmt.Errorf("session has no token issuer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.issueLocked(userID, deviceID); err != nil {
		return err
	}
	s.logger.Info("Signed in", "user_id", userID, "device_id", deviceID,
		"expires_at", s.expiresAt.Format(time.RFC3339))
	return nil
}

// Adopt installs a token obtained elsewhere (e.g. a sign-in endpoint).
// The signature is not checked here; the server does that.
func (s *Session) Adopt(token string) error {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return fmt.Errorf("token is missing sub or did")
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("token has no expiry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = claims.Subject
	s.deviceID = claims.DeviceID
	s.token = token
	s.expiresAt = claims.ExpiresAt.Time
	s.active = true
	s.logger.Info("Adopted session token", "user_id", s.userID, "device_id", s.deviceID,
		"expires_at", s.expiresAt.Format(time.RFC3339))
	return nil
}

// SignOut clears the current session
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Signing out", "user_id", s.userID)
	s.token = ""
	s.expiresAt = time.Time{}
	s.active = false
}

// IsAuthenticated reports whether a signed-in, unexpired session exists
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.active {
		return false
	}
	if s.now().After(s.expiresAt) {
		// Expired tokens can still be refreshed by an issuer on the next Token call
		return s.issuer != nil
	}
	return true
}

// Token returns the bearer token, refreshing it when it is about to expire
func (s *Session) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	active, token, expiresAt := s.active, s.token, s.expiresAt
	fresh := s.now().Add(refreshWindow).Before(expiresAt)
	s.mu.RUnlock()

	if !active {
		return "", ErrNoSession
	}
	if fresh {
		return token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return "", ErrNoSession
	}
	if s.now().Add(refreshWindow).Before(s.expiresAt) {
		return s.token, nil
	}
	if s.issuer == nil {
		if s.now().After(s.expiresAt) {
			return "", fmt.Errorf("session token expired at %s", s.expiresAt.Format(time.RFC3339))
		}
		return s.token, nil
	}

	s.logger.Info("Refreshing token", "user_id", s.userID)
	if err := s.issueLocked(s.userID, s.deviceID); err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	return s.token, nil
}

// UserID returns the signed-in farmer, or "" when signed out
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return ""
	}
	return s.userID
}

// DeviceID returns the device the token was issued for
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) issueLocked(userID, deviceID string) error {
	token, err := s.issuer.GenerateToken(userID, deviceID, s.ttl)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	s.userID = userID
	s.deviceID = deviceID
	s.token = token
	s.expiresAt = s.now().Add(s.ttl)
	s.active = true
	return nil
}
