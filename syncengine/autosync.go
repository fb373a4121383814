// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/netwatch"
)

// Events is the observable side of the network/lifecycle observer
type Events interface {
	OnConnectivityChange(fn func(netwatch.NetworkState)) (unsubscribe func())
	OnAppForeground(fn func()) (unsubscribe func())
}

// AutoSync is the single dispatcher deciding when the engine runs on its own.
// Timer ticks, foreground returns, reconnects, enqueues and settings changes
// all funnel into one loop; only that loop calls SyncNow.
type AutoSync struct {
	engine *Engine
	logger *slog.Logger

	wake        chan struct{}
	mu          sync.Mutex
	triggered   Trigger // strongest trigger since the last wake was consumed
	network     netwatch.NetworkState
	unsubscribe []func()

	// loop-owned
	backoff time.Duration
	retryAt time.Time
}

// NewAutoSync creates a dispatcher for engine and subscribes it to events.
// Events arriving before Run starts are kept as a pending wake.
func NewAutoSync(engine *Engine, events Events, logger *slog.Logger) *AutoSync {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AutoSync{
		engine: engine,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	a.network = engine.network.NetworkState()

	a.unsubscribe = append(a.unsubscribe,
		events.OnConnectivityChange(a.connectivityChanged),
		events.OnAppForeground(func() { a.Wake(TriggerForeground) }),
	)
	return a
}

// connectivityChanged wakes the dispatcher when the device becomes able to
// sync: back online, or on wifi again while wifi-only is set
func (a *AutoSync) connectivityChanged(s netwatch.NetworkState) {
	wifiOnly := a.engine.Settings().WifiOnly
	a.mu.Lock()
	prev := a.network
	a.network = s
	a.mu.Unlock()

	if Eligible(s, wifiOnly) && !Eligible(prev, wifiOnly) {
		a.Wake(TriggerReconnect)
	}
}

// Close detaches the dispatcher from its event sources
func (a *AutoSync) Close() {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
}

// Wake asks the dispatcher to re-evaluate. Never blocks.
func (a *AutoSync) Wake(trigger Trigger) {
	a.mu.Lock()
	// A reconnect must not be downgraded by a later ordinary trigger
	if a.triggered != TriggerReconnect {
		a.triggered = trigger
	}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *AutoSync) takeTrigger() Trigger {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.triggered
	a.triggered = ""
	if t == "" {
		t = TriggerTimer
	}
	return t
}

// Run blocks until ctx is done
func (a *AutoSync) Run(ctx context.Context) {
	a.logger.Debug("Auto-sync loop started")
	defer a.logger.Debug("Auto-sync loop stopped")

	timer := time.NewTimer(a.checkInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			a.evaluate(ctx, TriggerTimer)
			timer.Reset(a.checkInterval())
		case <-a.wake:
			a.evaluate(ctx, a.takeTrigger())
			// The interval may have changed
			timer.Reset(a.checkInterval())
		}
	}
}

func (a *AutoSync) checkInterval() time.Duration {
	return checkInterval(a.engine.Settings().SyncInterval, a.engine.config.MinCheckInterval)
}

// evaluate runs the engine if the trigger policy says so; it reports whether a run started
func (a *AutoSync) evaluate(ctx context.Context, trigger Trigger) bool {
	st := a.engine.Status()
	if st.InProgress {
		return false
	}
	now := a.engine.now()
	if trigger != TriggerReconnect && now.Before(a.retryAt) {
		a.logger.Debug("Auto-sync backing off", "trigger", trigger, "retry_at", a.retryAt)
		return false
	}
	interval := a.engine.Settings().SyncInterval
	if !ShouldDispatch(trigger, now, st.LastSyncTimestamp, interval, st.PendingCount) {
		return false
	}

	a.logger.Debug("Auto-sync dispatching", "trigger", trigger, "pending", st.PendingCount)
	out := a.engine.sync(ctx)
	switch {
	case !out.started:
		// precondition failure; the next event re-evaluates
	case out.ok:
		a.backoff, a.retryAt = 0, time.Time{}
	default:
		cfg := a.engine.config
		a.backoff = nextBackoff(a.backoff, cfg.BackoffMin, cfg.BackoffMax)
		a.retryAt = a.engine.now().Add(a.backoff)
		a.logger.Info("Auto-sync run incomplete, backing off", "backoff", a.backoff)
	}
	return out.started
}
