package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	store, _ := newTestStore(t)

	settings, err := store.LoadSettings(context.Background())
	require.NoError(t, err)
	require.True(t, settings.LastSync.IsZero())
	require.Equal(t, time.Hour, settings.SyncInterval)
	require.False(t, settings.WifiOnly)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	last := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.SaveLastSync(ctx, last))
	require.NoError(t, store.SaveSyncInterval(ctx, 15*time.Minute))
	require.NoError(t, store.SaveWifiOnly(ctx, true))

	settings, err := store.LoadSettings(ctx)
	require.NoError(t, err)
	require.True(t, settings.LastSync.Equal(last))
	require.Equal(t, 15*time.Minute, settings.SyncInterval)
	require.True(t, settings.WifiOnly)

	// Overwrite keeps a single row per key
	require.NoError(t, store.SaveWifiOnly(ctx, false))
	var rows int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM sync_settings WHERE key = ?`, SettingWifiOnly).Scan(&rows))
	require.Equal(t, 1, rows)

	require.Error(t, store.SaveSyncInterval(ctx, 0))
}

func TestLoadSettingsIgnoresMalformedValues(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.putSetting(ctx, SettingSyncInterval, "soon"))
	require.NoError(t, store.putSetting(ctx, SettingWifiOnly, "maybe"))

	settings, err := store.LoadSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultSyncInterval, settings.SyncInterval)
	require.False(t, settings.WifiOnly)
}

func TestEnsureDeviceID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first, err := store.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
