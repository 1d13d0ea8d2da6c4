package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvdwatcher/internal/storage"
)

func snap(symbol string, bucket time.Time, cvd int64) storage.Snapshot {
	return storage.Snapshot{Symbol: symbol, Bucket: bucket, Price: decimal.NewFromInt(100), CVD: decimal.NewFromInt(cvd)}
}

func TestUpsertReplacesSameBucket(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertSnapshots(ctx, []storage.Snapshot{snap("BTCUSDT", b, 10)}))
	require.NoError(t, s.UpsertSnapshots(ctx, []storage.Snapshot{snap("BTCUSDT", b, 12)}))

	rows, err := s.RecentSnapshots(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].CVD.Equal(decimal.NewFromInt(12)))
}

func TestSnapshotOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpsertSnapshots(ctx, []storage.Snapshot{snap("ETHUSDT", b.Add(time.Duration(i)*5*time.Minute), int64(i))}))
	}

	recent, err := s.RecentSnapshots(ctx, "ETHUSDT", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Bucket.After(recent[1].Bucket))

	between, err := s.SnapshotsBetween(ctx, "ETHUSDT", b.Add(5*time.Minute), b.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, between, 2)
	assert.True(t, between[0].Bucket.Equal(b.Add(5*time.Minute)))

	earliest, err := s.EarliestSnapshot(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, earliest.Bucket.Equal(b))

	_, err = s.LatestSnapshot(ctx, "SOLUSDT")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	a, err := s.InsertAlert(ctx, storage.Alert{Symbol: "BTCUSDT", Category: "accumulation"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.ID)

	exists, err := s.RecentAlertExists(ctx, "BTCUSDT", "accumulation", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.RecentAlertExists(ctx, "BTCUSDT", "strong_breakout", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.False(t, exists)

	pending, err := s.ListPendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkAlertDispatched(ctx, a.ID))
	pending, err = s.ListPendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, s.MarkAlertDispatched(ctx, 99), storage.ErrNotFound)
}

func TestSymbolsDisableKeepsRow(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertSymbol(ctx, storage.Symbol{Code: "BTCUSDT", Name: "Bitcoin", Enabled: true}))
	require.NoError(t, s.UpsertSymbol(ctx, storage.Symbol{Code: "ETHUSDT", Name: "Ether", Enabled: true}))
	require.NoError(t, s.SetSymbolEnabled(ctx, "ETHUSDT", false))

	enabled, err := s.EnabledSymbols(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "BTCUSDT", enabled[0].Code)

	all, err := s.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.ErrorIs(t, s.SetSymbolEnabled(ctx, "XRPUSDT", true), storage.ErrNotFound)
}
