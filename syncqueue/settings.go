// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Keys of the sync_settings table
const (
	SettingLastSync     = "last_sync"      // unix millis
	SettingSyncInterval = "sync_interval"  // millis
	SettingWifiOnly     = "sync_wifi_only" // "true" / "false"
	SettingDeviceID     = "device_id"
)

// DefaultSyncInterval is used when no interval has been persisted
const DefaultSyncInterval = time.Hour

// Settings are the persisted sync preferences and bookkeeping
type Settings struct {
	LastSync     time.Time // zero when no sync has completed yet
	SyncInterval time.Duration
	WifiOnly     bool
}

// DefaultSettings returns settings for a fresh install
func DefaultSettings() Settings {
	return Settings{SyncInterval: DefaultSyncInterval}
}

// LoadSettings reads settings, falling back to defaults for missing or malformed keys
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM sync_settings WHERE key IN (?, ?, ?)`,
		SettingLastSync, SettingSyncInterval, SettingWifiOnly)
	if err != nil {
		return settings, storageErr("load settings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, storageErr("load settings", err)
		}
		switch key {
		case SettingLastSync:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				settings.LastSync = time.UnixMilli(ms)
			} else {
				s.logger.Warn("Ignoring malformed setting", "key", key, "value", value)
			}
		case SettingSyncInterval:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				settings.SyncInterval = time.Duration(ms) * time.Millisecond
			} else {
				s.logger.Warn("Ignoring malformed setting", "key", key, "value", value)
			}
		case SettingWifiOnly:
			if b, err := strconv.ParseBool(value); err == nil {
				settings.WifiOnly = b
			} else {
				s.logger.Warn("Ignoring malformed setting", "key", key, "value", value)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return settings, storageErr("load settings", err)
	}
	return settings, nil
}

// SaveLastSync persists the time of the last completed sync run
func (s *Store) SaveLastSync(ctx context.Context, t time.Time) error {
	return s.putSetting(ctx, SettingLastSync, strconv.FormatInt(t.UnixMilli(), 10))
}

// SaveSyncInterval persists the auto-sync interval
func (s *Store) SaveSyncInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", d)
	}
	return s.putSetting(ctx, SettingSyncInterval, strconv.FormatInt(d.Milliseconds(), 10))
}

// SaveWifiOnly persists the wifi-only preference
func (s *Store) SaveWifiOnly(ctx context.Context, wifiOnly bool) error {
	return s.putSetting(ctx, SettingWifiOnly, strconv.FormatBool(wifiOnly))
}

// EnsureDeviceID returns the persisted device id, generating one on first use
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_settings WHERE key = ?`, SettingDeviceID).Scan(&deviceID)
	if err == nil {
		return deviceID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", storageErr("load device id", err)
	}

	deviceID = uuid.NewString()
	if err := s.putSetting(ctx, SettingDeviceID, deviceID); err != nil {
		return "", err
	}
	s.logger.Info("Generated device id", "device_id", deviceID)
	return deviceID, nil
}

func (s *Store) putSetting(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now().UnixMilli())
	if err != nil {
		return storageErr("save setting "+key, err)
	}
	return nil
}
