package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldSyncThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := 1000 * time.Millisecond

	require.True(t, ShouldSync(now, now.Add(-1500*time.Millisecond), interval, 1))
	require.False(t, ShouldSync(now, now.Add(-500*time.Millisecond), interval, 1))
	require.False(t, ShouldSync(now, now.Add(-interval), interval, 1), "exactly one interval is not overdue")
}

func TestShouldSyncNeedsPendingWork(t *testing.T) {
	now := time.Now()
	require.False(t, ShouldSync(now, time.Time{}, time.Hour, 0))
	require.False(t, ShouldSync(now, now.Add(-48*time.Hour), time.Hour, 0))
	require.True(t, ShouldSync(now, time.Time{}, time.Hour, 3), "never synced counts as overdue")
}

func TestShouldDispatch(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)

	require.True(t, ShouldDispatch(TriggerReconnect, now, recent, time.Hour, 2))
	require.False(t, ShouldDispatch(TriggerReconnect, now, recent, time.Hour, 0))

	for _, trig := range []Trigger{TriggerTimer, TriggerForeground, TriggerEnqueue, TriggerSettings} {
		require.False(t, ShouldDispatch(trig, now, recent, time.Hour, 2), trig)
		require.True(t, ShouldDispatch(trig, now, recent, 30*time.Second, 2), trig)
	}
}

func TestCheckInterval(t *testing.T) {
	require.Equal(t, 6*time.Minute, CheckInterval(time.Hour))
	require.Equal(t, 60*time.Second, CheckInterval(5*time.Minute))
	require.Equal(t, 60*time.Second, CheckInterval(time.Second))
	require.Equal(t, time.Second, checkInterval(5*time.Second, time.Second))
}

func TestNextBackoff(t *testing.T) {
	lo, hi := time.Second, 5*time.Second
	b := nextBackoff(0, lo, hi)
	require.Equal(t, time.Second, b)
	b = nextBackoff(b, lo, hi)
	require.Equal(t, 2*time.Second, b)
	b = nextBackoff(b, lo, hi)
	require.Equal(t, 4*time.Second, b)
	b = nextBackoff(b, lo, hi)
	require.Equal(t, 5*time.Second, b)
}

func TestEligible(t *testing.T) {
	require.True(t, Eligible(wifi, false))
	require.True(t, Eligible(cellular, false))
	require.False(t, Eligible(offline, false))

	require.True(t, Eligible(wifi, true))
	require.False(t, Eligible(cellular, true))
	require.False(t, Eligible(offline, true))
}
