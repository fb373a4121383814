// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/syncengine"
	"github.com/Moganzk/Smart-Farmer-sub002/syncqueue"
)

// Config holds configuration for the offline sync service
type Config struct {
	BatchSize        int           // items per sync run, 100
	MaxAttempts      int           // 0 = retry forever; otherwise dead-letter after N failed attempts
	RetentionPeriod  time.Duration // synced rows older than this are purged; 0 keeps them
	CompactInterval  time.Duration // how often the background loop purges
	MinCheckInterval time.Duration // floor of the auto-sync timer, 60s
	BackoffMin       time.Duration // 30s
	BackoffMax       time.Duration // 15m

	Clock           func() time.Time
	StageMetrics    syncengine.StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the production defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        syncqueue.DefaultBatchSize,
		MaxAttempts:      0,
		RetentionPeriod:  7 * 24 * time.Hour,
		CompactInterval:  6 * time.Hour,
		MinCheckInterval: syncengine.MinCheckInterval,
		BackoffMin:       30 * time.Second,
		BackoffMax:       15 * time.Minute,
	}
}

func (c *Config) engineConfig(deviceID string) *syncengine.Config {
	return &syncengine.Config{
		BatchSize:        c.BatchSize,
		MaxAttempts:      c.MaxAttempts,
		DeviceID:         deviceID,
		Clock:            c.Clock,
		MinCheckInterval: c.MinCheckInterval,
		BackoffMin:       c.BackoffMin,
		BackoffMax:       c.BackoffMax,
		StageMetrics:     c.StageMetrics,
		LogStageTimings:  c.LogStageTimings,
	}
}
