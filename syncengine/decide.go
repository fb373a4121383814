// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/netwatch"
)

// MinCheckInterval is the shortest period of the auto-sync timer
const MinCheckInterval = 60 * time.Second

// Trigger names the event that woke the auto-sync dispatcher
type Trigger string

const (
	TriggerTimer      Trigger = "timer"
	TriggerForeground Trigger = "foreground"
	TriggerReconnect  Trigger = "reconnect"
	TriggerEnqueue    Trigger = "enqueue"
	TriggerSettings   Trigger = "settings"
)

// ShouldSync reports whether an automatic sync is due: something is pending
// and either no sync ever completed or the last one is older than interval.
func ShouldSync(now, lastSync time.Time, interval time.Duration, pendingCount int) bool {
	if pendingCount <= 0 {
		return false
	}
	return lastSync.IsZero() || now.Sub(lastSync) > interval
}

// ShouldDispatch applies the per-trigger policy on top of ShouldSync.
// Regaining connectivity replays pending work right away; every other
// trigger waits for the interval.
func ShouldDispatch(trigger Trigger, now, lastSync time.Time, interval time.Duration, pendingCount int) bool {
	if trigger == TriggerReconnect {
		return pendingCount > 0
	}
	return ShouldSync(now, lastSync, interval, pendingCount)
}

// CheckInterval returns the auto-sync timer period for a sync interval: a tenth
// of the interval, but never more often than once per MinCheckInterval.
func CheckInterval(interval time.Duration) time.Duration {
	return checkInterval(interval, MinCheckInterval)
}

func checkInterval(interval, floor time.Duration) time.Duration {
	return max(floor, interval/10)
}

func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur < lo {
		return lo
	}
	return min(cur*2, hi)
}

// Eligible reports whether the connection allows syncing under the wifi-only preference
func Eligible(s netwatch.NetworkState, wifiOnly bool) bool {
	if !s.Online() {
		return false
	}
	return !wifiOnly || netwatch.Classify(s) == netwatch.QualityExcellent
}
