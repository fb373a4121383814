// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine drains the local mutation queue against the backend.
// It owns the sync state machine, the single-flight guard and the automatic
// trigger policy.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moganzk/Smart-Farmer-sub002/netwatch"
	"github.com/Moganzk/Smart-Farmer-sub002/syncqueue"
)

// Config holds engine and dispatcher tuning
type Config struct {
	BatchSize        int              // items fetched per drain, e.g. 100
	MaxAttempts      int              // 0 retries forever; N moves an item to failed on its Nth failed attempt
	DeviceID         string           // attached to every mutation sent upstream
	Clock            func() time.Time // defaults to time.Now
	MinCheckInterval time.Duration    // floor of the auto-sync timer, 60s
	BackoffMin       time.Duration    // first pause after a failed automatic run
	BackoffMax       time.Duration    // cap for the doubling pause

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the engine defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        syncqueue.DefaultBatchSize,
		MinCheckInterval: MinCheckInterval,
		BackoffMin:       30 * time.Second,
		BackoffMax:       15 * time.Minute,
	}
}

// Engine performs sync runs, one at a time
type Engine struct {
	queue   Queue
	applier RemoteApplier
	auth    Authenticator
	network Connectivity
	config  *Config
	logger  *slog.Logger

	mu          sync.Mutex
	ready       bool
	inProgress  bool
	state       State
	details     Details
	settings    syncqueue.Settings
	pending     int
	nextSubID   int
	subscribers map[int]func(Status)
}

// New creates an engine. It refuses to sync until MarkReady is called.
func New(queue Queue, applier RemoteApplier, auth Authenticator, network Connectivity, config *Config, logger *slog.Logger) (*Engine, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("remote applier cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("connectivity source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = syncqueue.DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MinCheckInterval <= 0 {
		cfg.MinCheckInterval = MinCheckInterval
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		queue:       queue,
		applier:     applier,
		auth:        auth,
		network:     network,
		config:      &cfg,
		logger:      logger,
		state:       StateIdle,
		settings:    syncqueue.DefaultSettings(),
		subscribers: make(map[int]func(Status)),
	}, nil
}

// MarkReady installs the settings and pending count loaded from the store and enables syncing
func (e *Engine) MarkReady(settings syncqueue.Settings, pendingCount int) {
	e.update(func() {
		e.settings = settings
		e.pending = pendingCount
		e.ready = true
	})
	e.logger.Info("Sync engine ready",
		"pending", pendingCount,
		"last_sync", settings.LastSync,
		"interval", settings.SyncInterval,
		"wifi_only", settings.WifiOnly)
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	return Status{
		State:             e.state,
		LastSyncTimestamp: e.settings.LastSync,
		PendingCount:      e.pending,
		Details:           e.details,
		InProgress:        e.inProgress,
	}
}

// Settings returns the settings the engine currently runs with
func (e *Engine) Settings() syncqueue.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetSyncInterval changes the auto-sync interval in memory
func (e *Engine) SetSyncInterval(d time.Duration) {
	e.update(func() { e.settings.SyncInterval = d })
}

// SetWifiOnly changes the wifi-only preference in memory
func (e *Engine) SetWifiOnly(wifiOnly bool) {
	e.update(func() { e.settings.WifiOnly = wifiOnly })
}

// RefreshPending recomputes the cached pending count from the queue
func (e *Engine) RefreshPending(ctx context.Context) (int, error) {
	n, err := e.queue.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	e.update(func() { e.pending = n })
	return n, nil
}

// ResetStatus returns a finished run's success/error state to idle.
// It never touches the queue and is a no-op while a run is active.
func (e *Engine) ResetStatus() {
	e.update(func() {
		if e.inProgress {
			return
		}
		e.state = StateIdle
		e.details = Details{}
	})
}

// Subscribe registers fn for every status change
func (e *Engine) Subscribe(fn func(Status)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// update applies fn under the lock and publishes the resulting status
func (e *Engine) update(fn func()) {
	e.mu.Lock()
	fn()
	st := e.statusLocked()
	subs := make([]func(Status), 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s(st)
	}
}

func (e *Engine) now() time.Time { return e.config.Clock() }

// SyncNow drains the pending queue once. It returns true only when a run
// started and every item was applied. It never panics or returns errors;
// the outcome is observable through Status.
func (e *Engine) SyncNow(ctx context.Context) bool {
	return e.sync(ctx).ok
}

type outcome struct {
	started bool
	ok      bool
}

func (e *Engine) sync(ctx context.Context) (out outcome) {
	if !e.begin() {
		return outcome{}
	}
	out.started = true

	start := e.stageStart()
	var (
		run runResult
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected panic during sync: %v", r)
		}
		if err != nil {
			e.logger.Error("Sync run failed", "error", err,
				"succeeded", run.successCount, "failed", run.errorCount)
			// Best effort: keep the cached count honest after a partial run
			if n, cerr := e.queue.CountPending(context.WithoutCancel(ctx)); cerr == nil {
				run.pending, run.pendingKnown = n, true
			}
		}
		out.ok = e.finish(run, err)
		e.observeStage(ctx, MetricsStageTotal, "", start, run.successCount+run.errorCount, !out.ok)
	}()

	run, err = e.drain(ctx)
	return out
}

// begin checks preconditions and claims the single-flight guard.
// The authenticator and the connectivity source are consulted without
// holding e.mu so they may call back into the engine.
func (e *Engine) begin() bool {
	e.mu.Lock()
	busy, ready, wifiOnly := e.inProgress, e.ready, e.settings.WifiOnly
	e.mu.Unlock()
	if busy {
		e.logger.Debug("Sync already in progress")
		return false
	}

	if reason, msg := e.precondition(ready, wifiOnly); reason != ReasonNone {
		e.logger.Info("Sync not started", "reason", reason, "message", msg)
		e.update(func() {
			// Another caller may have started a run in between
			if e.inProgress {
				return
			}
			e.state = StateError
			e.details = Details{Reason: reason, Message: msg}
		})
		return false
	}

	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		e.logger.Debug("Sync already in progress")
		return false
	}
	e.inProgress = true
	e.mu.Unlock()

	e.update(func() {
		e.state = StateSyncing
		e.details = Details{Message: "Syncing..."}
	})
	return true
}

func (e *Engine) precondition(ready, wifiOnly bool) (reason Reason, msg string) {
	if !ready {
		return ReasonNotReady, "Local database is not ready"
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Sync precondition check panicked", "panic", r)
			reason, msg = ReasonSyncFailed, fmt.Sprintf("Sync preconditions could not be checked: %v", r)
		}
	}()

	if !e.auth.IsAuthenticated() {
		return ReasonNotAuthenticated, "Sign in to sync your changes"
	}
	net := e.network.NetworkState()
	if wifiOnly && netwatch.Classify(net) != netwatch.QualityExcellent {
		return ReasonWifiRequired, "Sync is limited to WiFi connections"
	}
	if !net.Online() {
		return ReasonNoConnection, "No internet connection"
	}
	return ReasonNone, ""
}

type runResult struct {
	successCount int
	errorCount   int
	deadLettered int
	empty        bool
	lastSync     time.Time
	pending      int
	pendingKnown bool
}

func (e *Engine) drain(ctx context.Context) (runResult, error) {
	var run runResult

	start := e.stageStart()
	items, err := e.queue.ListPending(ctx, e.config.BatchSize)
	e.observeStage(ctx, MetricsStageListPending, "", start, len(items), err != nil)
	if err != nil {
		return run, fmt.Errorf("failed to list pending items: %w", err)
	}

	if len(items) == 0 {
		run.empty = true
		return run, e.finalize(ctx, &run)
	}

	e.logger.Debug("Draining sync queue", "items", len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return run, fmt.Errorf("sync interrupted: %w", err)
		}

		start := e.stageStart()
		applyErr := e.apply(ctx, item)
		e.observeStage(ctx, MetricsStageApply, item.TableName, start, 1, applyErr != nil)

		if applyErr == nil {
			if err := e.queue.MarkSynced(ctx, item.ID); err != nil {
				return run, fmt.Errorf("failed to mark item %d synced: %w", item.ID, err)
			}
			run.successCount++
			e.logger.Debug("Mutation applied", "id", item.ID, "table", item.TableName, "record_id", item.RecordID, "op", item.Operation)
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return run, fmt.Errorf("sync interrupted: %w", ctxErr)
		}

		run.errorCount++
		if e.config.MaxAttempts > 0 && item.Attempts+1 >= e.config.MaxAttempts {
			if err := e.queue.MarkFailed(ctx, item.ID, applyErr); err != nil {
				return run, fmt.Errorf("failed to dead-letter item %d: %w", item.ID, err)
			}
			run.deadLettered++
			e.logger.Warn("Mutation moved to failed after max attempts",
				"id", item.ID, "table", item.TableName, "record_id", item.RecordID,
				"attempts", item.Attempts+1, "error", applyErr)
			continue
		}
		if err := e.queue.MarkAttemptFailed(ctx, item.ID, applyErr); err != nil {
			return run, fmt.Errorf("failed to record failed attempt for item %d: %w", item.ID, err)
		}
		e.logger.Warn("Mutation apply failed, will retry",
			"id", item.ID, "table", item.TableName, "record_id", item.RecordID,
			"attempts", item.Attempts+1, "error", applyErr)
	}

	return run, e.finalize(ctx, &run)
}

// finalize advances last_sync (also after partial failure) and recounts pending items
func (e *Engine) finalize(ctx context.Context, run *runResult) error {
	start := e.stageStart()
	err := e.finalizeStore(ctx, run)
	e.observeStage(ctx, MetricsStageFinalize, "", start, 0, err != nil)
	return err
}

func (e *Engine) finalizeStore(ctx context.Context, run *runResult) error {
	now := e.now()
	if err := e.queue.SaveLastSync(ctx, now); err != nil {
		return fmt.Errorf("failed to save last sync time: %w", err)
	}
	run.lastSync = now

	n, err := e.queue.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending items: %w", err)
	}
	run.pending, run.pendingKnown = n, true
	return nil
}

// apply calls the remote applier, turning rejections and panics into errors
func (e *Engine) apply(ctx context.Context, item syncqueue.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote apply panicked: %v", r)
		}
	}()

	res, err := e.applier.Apply(ctx, Mutation{
		TableName:      item.TableName,
		RecordID:       item.RecordID,
		Operation:      item.Operation,
		Payload:        item.Payload,
		IdempotencyKey: item.IdempotencyKey,
		DeviceID:       e.config.DeviceID,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Message == "" {
			return ErrApplyRejected
		}
		return fmt.Errorf("%w: %s", ErrApplyRejected, res.Message)
	}
	return nil
}

// finish publishes the run outcome and releases the single-flight guard
func (e *Engine) finish(run runResult, err error) bool {
	ok := err == nil && run.errorCount == 0

	e.update(func() {
		e.inProgress = false
		if !run.lastSync.IsZero() {
			e.settings.LastSync = run.lastSync
		}
		if run.pendingKnown {
			e.pending = run.pending
		}

		details := Details{
			SuccessCount: run.successCount,
			ErrorCount:   run.errorCount,
			DeadLettered: run.deadLettered,
		}
		switch {
		case err != nil:
			e.state = StateError
			details.Reason = ReasonSyncFailed
			details.Message = err.Error()
		case run.empty:
			e.state = StateSuccess
			details.Message = "No changes to sync"
		case run.errorCount > 0:
			e.state = StateError
			details.Reason = ReasonSyncFailed
			details.Message = fmt.Sprintf("Synced %d items, %d failed", run.successCount, run.errorCount)
		default:
			e.state = StateSuccess
			details.Message = fmt.Sprintf("Successfully synced %d items", run.successCount)
		}
		e.details = details
	})

	if err == nil {
		e.logger.Info("Sync run finished",
			"succeeded", run.successCount,
			"failed", run.errorCount,
			"dead_lettered", run.deadLettered,
			"pending", run.pending)
	}
	return ok
}
