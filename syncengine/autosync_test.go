package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moganzk/Smart-Farmer-sub002/netwatch"
)

func startAutoSync(t *testing.T, h *harness) *AutoSync {
	t.Helper()
	a := NewAutoSync(h.engine, h.observer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		a.Close()
	})
	return a
}

func TestAutoSyncReplaysOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.observer.SetNetworkState(offline)
	h.ready(t)
	require.False(t, h.engine.SyncNow(context.Background()))

	h.enqueue(t, "offline-msg")
	startAutoSync(t, h)

	// Going online replays pending work even though the interval check would not fire
	h.observer.SetNetworkState(cellular)
	require.Eventually(t, func() bool {
		return len(h.applier.recordIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return st.State == StateSuccess && st.PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoSyncReconnectWithNothingPending(t *testing.T) {
	h := newHarness(t)
	h.observer.SetNetworkState(offline)
	h.ready(t)
	a := NewAutoSync(h.engine, h.observer, nil)

	require.False(t, a.evaluate(context.Background(), TriggerReconnect))
	require.Empty(t, h.applier.recordIDs())
}

func TestAutoSyncCloseStopsListening(t *testing.T) {
	h := newHarness(t)
	h.observer.SetNetworkState(offline)
	a := NewAutoSync(h.engine, h.observer, nil)
	a.Close()

	h.observer.SetNetworkState(wifi)
	select {
	case <-a.wake:
		t.Fatal("closed dispatcher must not be woken")
	default:
	}
}

func TestAutoSyncForegroundRespectsInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ready(t)
	h.engine.SetSyncInterval(10 * time.Minute)

	// Establish a recent last sync
	require.True(t, h.engine.SyncNow(ctx))
	h.enqueue(t, "fresh")

	a := NewAutoSync(h.engine, h.observer, nil)
	h.clock.Advance(5 * time.Minute)
	require.False(t, a.evaluate(ctx, TriggerForeground))
	require.Empty(t, h.applier.recordIDs())

	h.clock.Advance(6 * time.Minute)
	require.True(t, a.evaluate(ctx, TriggerForeground))
	require.Equal(t, []string{"fresh"}, h.applier.recordIDs())
}

func TestAutoSyncWakeOnEnqueue(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	a := startAutoSync(t, h)

	h.enqueue(t, "first-ever")
	a.Wake(TriggerEnqueue)

	require.Eventually(t, func() bool {
		return len(h.applier.recordIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoSyncForegroundEventFromObserver(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.enqueue(t, "queued")
	startAutoSync(t, h)

	h.observer.SetAppState(netwatch.AppBackground)
	h.observer.SetAppState(netwatch.AppActive)

	require.Eventually(t, func() bool {
		return len(h.applier.recordIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoSyncBacksOffAfterFailedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.BackoffMin = 10 * time.Minute
		c.BackoffMax = 40 * time.Minute
	})
	h.ready(t)
	h.engine.SetSyncInterval(time.Minute)
	h.enqueue(t, "flaky")
	h.applier.fail["flaky"] = errors.New("timeout")

	a := NewAutoSync(h.engine, h.observer, nil)
	require.True(t, a.evaluate(ctx, TriggerTimer))
	require.Equal(t, 10*time.Minute, a.backoff)

	// Interval elapsed but backoff has not
	h.clock.Advance(2 * time.Minute)
	require.False(t, a.evaluate(ctx, TriggerTimer))

	// Reconnect is a fresh signal and ignores the backoff
	require.True(t, a.evaluate(ctx, TriggerReconnect))
	require.Equal(t, 20*time.Minute, a.backoff)

	delete(h.applier.fail, "flaky")
	h.clock.Advance(21 * time.Minute)
	require.True(t, a.evaluate(ctx, TriggerTimer))
	require.Zero(t, a.backoff)
	require.Equal(t, []string{"flaky", "flaky", "flaky"}, h.applier.recordIDs())
}

func TestAutoSyncPreconditionFailureDoesNotBackOff(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.enqueue(t, "m")
	h.authed.Store(false)

	a := NewAutoSync(h.engine, h.observer, nil)
	require.False(t, a.evaluate(context.Background(), TriggerEnqueue))
	require.Zero(t, a.backoff)
	require.Equal(t, ReasonNotAuthenticated, h.engine.Status().Details.Reason)
}

func TestWakeKeepsReconnectTrigger(t *testing.T) {
	h := newHarness(t)
	a := NewAutoSync(h.engine, h.observer, nil)

	a.Wake(TriggerReconnect)
	a.Wake(TriggerEnqueue)
	require.Equal(t, TriggerReconnect, a.takeTrigger())
	require.Equal(t, TriggerTimer, a.takeTrigger())
}

func TestAutoSyncReplaysWhenWifiReturnsInWifiOnlyMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ready(t)
	h.engine.SetSyncInterval(time.Hour)
	require.True(t, h.engine.SyncNow(ctx))

	h.engine.SetWifiOnly(true)
	h.observer.SetNetworkState(cellular)
	startAutoSync(t, h)

	h.enqueue(t, "field-note")
	require.False(t, h.engine.SyncNow(ctx))
	require.Equal(t, ReasonWifiRequired, h.engine.Status().Details.Reason)

	// Joining wifi is the moment a wifi-only device can sync again
	h.observer.SetNetworkState(wifi)
	require.Eventually(t, func() bool {
		return len(h.applier.recordIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"field-note"}, h.applier.recordIDs())
}

func TestConnectivityWakeFollowsEligibility(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	a := NewAutoSync(h.engine, h.observer, nil)
	t.Cleanup(a.Close)

	h.observer.SetNetworkState(cellular)
	require.Empty(t, a.wake, "cellular is still eligible without wifi-only")

	h.engine.SetWifiOnly(true)
	h.observer.SetNetworkState(netwatch.NetworkState{Connected: true, InternetReachable: true, Transport: netwatch.TransportEthernet})
	require.Len(t, a.wake, 1)
	<-a.wake
	require.Equal(t, TriggerReconnect, a.takeTrigger())

	h.observer.SetNetworkState(offline)
	h.observer.SetNetworkState(cellular)
	require.Empty(t, a.wake, "cellular does not qualify in wifi-only mode")
}

func TestAutoSyncAppliesShorterIntervalImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MinCheckInterval = 20 * time.Millisecond })
	h.ready(t)
	h.engine.SetSyncInterval(time.Hour)
	require.True(t, h.engine.SyncNow(ctx))

	a := startAutoSync(t, h)
	h.enqueue(t, "late")

	// A 6 minute check period is replaced by one of 20ms
	h.engine.SetSyncInterval(100 * time.Millisecond)
	a.Wake(TriggerSettings)
	require.Eventually(t, func() bool { return len(a.wake) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, h.applier.recordIDs(), "the settings wake itself is within the interval")

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(h.applier.recordIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
