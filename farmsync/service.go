// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package farmsync is the surface the Smart Farmer app uses for offline
// writes: enqueue a mutation, watch sync status, trigger or reset a sync.
package farmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/syncengine"
	"github.com/Moganzk/Smart-Farmer-sub002/syncqueue"
)

// Observer is the connectivity and lifecycle source the service runs on
type Observer interface {
	syncengine.Connectivity
	syncengine.Events
}

// Service wires the queue store, the sync engine and the auto-sync dispatcher
type Service struct {
	store    *syncqueue.Store
	engine   *syncengine.Engine
	auto     *syncengine.AutoSync
	config   *Config
	logger   *slog.Logger
	deviceID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New initializes the local store on db, restores persisted settings and the
// pending count, and returns a service ready to sync.
func New(ctx context.Context, db *sql.DB, applier syncengine.RemoteApplier, auth syncengine.Authenticator, observer Observer, config *Config, logger *slog.Logger) (*Service, error) {
	if observer == nil {
		return nil, fmt.Errorf("observer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := syncqueue.NewStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue store: %w", err)
	}
	if config.Clock != nil {
		store.SetClock(config.Clock)
	}

	deviceID, err := store.EnsureDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device id: %w", err)
	}

	engine, err := syncengine.New(store, applier, auth, observer, config.engineConfig(deviceID), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	settings, err := store.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync settings: %w", err)
	}
	pending, err := store.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending items: %w", err)
	}
	engine.MarkReady(settings, pending)

	return &Service{
		store:    store,
		engine:   engine,
		auto:     syncengine.NewAutoSync(engine, observer, logger),
		config:   config,
		logger:   logger,
		deviceID: deviceID,
	}, nil
}

// DeviceID returns the persisted id of this installation
func (s *Service) DeviceID() string { return s.deviceID }

// Enqueue durably records a mutation for later replay. payload may be nil
// (deletes), a json.RawMessage, raw JSON bytes or any JSON-marshalable value.
func (s *Service) Enqueue(ctx context.Context, tableName, recordID string, op syncqueue.Operation, payload any) (int64, error) {
	raw, err := toRawJSON(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload for %s/%s: %w", tableName, recordID, err)
	}

	id, err := s.store.Enqueue(ctx, tableName, recordID, op, raw)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, tableName, recordID, err)
	}
	if _, err := s.engine.RefreshPending(ctx); err != nil {
		return id, err
	}
	s.auto.Wake(syncengine.TriggerEnqueue)
	return id, nil
}

func toRawJSON(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Status returns a read-only snapshot for the UI
func (s *Service) Status() syncengine.Status {
	return s.engine.Status()
}

// Subscribe registers fn for every status change
func (s *Service) Subscribe(fn func(syncengine.Status)) (unsubscribe func()) {
	return s.engine.Subscribe(fn)
}

// TriggerSync runs a sync now, bypassing the interval and any backoff
func (s *Service) TriggerSync(ctx context.Context) bool {
	return s.engine.SyncNow(ctx)
}

// ResetStatus dismisses the last success/error banner without touching the queue
func (s *Service) ResetStatus() {
	s.engine.ResetStatus()
}

// Settings returns the settings in effect
func (s *Service) Settings() syncqueue.Settings {
	return s.engine.Settings()
}

// SetSyncInterval persists and applies a new auto-sync interval
func (s *Service) SetSyncInterval(ctx context.Context, d time.Duration) error {
	if err := s.store.SaveSyncInterval(ctx, d); err != nil {
		return fmt.Errorf("failed to save sync interval: %w", err)
	}
	s.engine.SetSyncInterval(d)
	s.auto.Wake(syncengine.TriggerSettings)
	return nil
}

// SetWifiOnly persists and applies the wifi-only preference
func (s *Service) SetWifiOnly(ctx context.Context, wifiOnly bool) error {
	if err := s.store.SaveWifiOnly(ctx, wifiOnly); err != nil {
		return fmt.Errorf("failed to save wifi-only setting: %w", err)
	}
	s.engine.SetWifiOnly(wifiOnly)
	s.auto.Wake(syncengine.TriggerSettings)
	return nil
}

// Stats returns queue row counts per status
func (s *Service) Stats(ctx context.Context) (syncqueue.Stats, error) {
	return s.store.Stats(ctx)
}

// FailedItems lists dead-lettered mutations
func (s *Service) FailedItems(ctx context.Context, limit int) ([]syncqueue.QueueItem, error) {
	return s.store.ListFailed(ctx, limit)
}

// RetryFailed puts every dead-lettered mutation back in the queue
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.store.RequeueFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed items: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.engine.RefreshPending(ctx); err != nil {
		return n, err
	}
	s.auto.Wake(syncengine.TriggerEnqueue)
	return n, nil
}

// Compact purges synced rows older than the retention period
func (s *Service) Compact(ctx context.Context) (int64, error) {
	if s.config.RetentionPeriod <= 0 {
		return 0, nil
	}
	now := time.Now()
	if s.config.Clock != nil {
		now = s.config.Clock()
	}
	n, err := s.store.PurgeSynced(ctx, now.Add(-s.config.RetentionPeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to compact sync queue: %w", err)
	}
	return n, nil
}

// Start runs the auto-sync dispatcher and the compaction loop in the background
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.auto.Run(runCtx)
	}()

	if s.config.RetentionPeriod > 0 && s.config.CompactInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.compactLoop(runCtx)
		}()
	}

	s.running = true
	s.logger.Info("Offline sync started", "device_id", s.deviceID)
}

func (s *Service) compactLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Compact(ctx); err != nil {
				s.logger.Warn("Sync queue compaction failed", "error", err)
			} else if n > 0 {
				s.logger.Info("Compacted sync queue", "purged", n)
			}
		}
	}
}

// Stop halts the background loops and waits for an in-flight automatic run
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.cancel = nil
	s.logger.Info("Offline sync stopped")
}

// Close stops the service and detaches it from the observer. The database
// stays open; it belongs to the caller.
func (s *Service) Close() {
	s.Stop()
	s.auto.Close()
}
