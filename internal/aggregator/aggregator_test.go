package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/storage"
	"cvdwatcher/internal/storage/memory"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeMarket struct {
	trades   []fetcher.Trade
	oi       []fetcher.OpenInterest
	prices   []fetcher.MarkPrice
	tradeErr error
	oiErr    error
	priceErr error
	calls    int
	// clock hides every sample later than now, as the exchange would.
	clock func() time.Time
}

func (f *fakeMarket) visible(at, start, end time.Time) bool {
	if f.clock != nil && at.After(f.clock()) {
		return false
	}
	return !at.Before(start) && !at.After(end)
}

func (f *fakeMarket) FetchTrades(_ context.Context, _ string, start, end time.Time) ([]fetcher.Trade, error) {
	f.calls++
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	out := make([]fetcher.Trade, 0)
	for _, t := range f.trades {
		if f.visible(t.Time, start, end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeMarket) FetchOpenInterest(_ context.Context, _ string, _ time.Duration, start, end time.Time) ([]fetcher.OpenInterest, error) {
	if f.oiErr != nil {
		return nil, f.oiErr
	}
	out := make([]fetcher.OpenInterest, 0)
	for _, o := range f.oi {
		if f.visible(o.Time, start, end) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeMarket) FetchMarkPrices(_ context.Context, _ string, _ time.Duration, start, end time.Time) ([]fetcher.MarkPrice, error) {
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	out := make([]fetcher.MarkPrice, 0)
	for _, p := range f.prices {
		if f.visible(p.Time, start, end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeMarket) Fetch24hQuoteVolume(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

func trade(at time.Time, qty string, buyerMaker bool) fetcher.Trade {
	return fetcher.Trade{Time: at, Price: decimal.NewFromInt(100), Qty: decimal.RequireFromString(qty), BuyerMaker: buyerMaker}
}

func price(at time.Time, v int64) fetcher.MarkPrice {
	return fetcher.MarkPrice{Time: at, Close: decimal.NewFromInt(v)}
}

func newAggregator(market *fakeMarket, store storage.SnapshotStore, now time.Time) *Aggregator {
	agg := New(Options{Interval: 5 * time.Minute, DefaultBackfillIntervals: 3}, market, store, zerolog.Nop())
	clock := func() time.Time { return now }
	agg.SetClock(clock)
	if market.clock == nil {
		market.clock = clock
	}
	return agg
}

func TestFoldTradesSignsAndBuckets(t *testing.T) {
	deltas := FoldTrades([]fetcher.Trade{
		trade(base.Add(6*time.Minute), "2", false),
		trade(base.Add(time.Minute), "3", false),
		trade(base.Add(2*time.Minute), "1", true),
	}, 5*time.Minute)

	require.Len(t, deltas, 2)
	assert.True(t, deltas[0].Bucket.Equal(base))
	assert.True(t, deltas[0].Volume.Equal(decimal.NewFromInt(2)))
	assert.True(t, deltas[1].Bucket.Equal(base.Add(5*time.Minute)))
	assert.True(t, deltas[1].Volume.Equal(decimal.NewFromInt(2)))
}

func TestSyncColdStartBuildsCVDChain(t *testing.T) {
	store := memory.New()
	market := &fakeMarket{
		trades: []fetcher.Trade{
			trade(base.Add(-15*time.Minute+time.Second), "5", false),
			trade(base.Add(-10*time.Minute+time.Second), "2", true),
			trade(base.Add(time.Second), "4", false),
		},
		prices: []fetcher.MarkPrice{
			price(base.Add(-15*time.Minute), 100),
			price(base.Add(-10*time.Minute), 101),
			price(base.Add(-5*time.Minute), 102),
			price(base, 103),
		},
		oi: []fetcher.OpenInterest{
			{Time: base.Add(-15 * time.Minute), Contracts: decimal.NewFromInt(10), Value: decimal.NewFromInt(1000)},
		},
	}

	agg := newAggregator(market, store, base.Add(7*time.Minute))
	res, err := agg.Sync(context.Background(), "BTCUSDT", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Buckets)
	assert.Equal(t, 4, res.Written)
	assert.Empty(t, res.Degraded)

	rows, err := store.SnapshotsBetween(context.Background(), "BTCUSDT", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	expected := []int64{5, 3, 3, 7}
	for i, row := range rows {
		assert.Truef(t, row.CVD.Equal(decimal.NewFromInt(expected[i])), "bucket %d cvd %s", i, row.CVD)
		assert.True(t, row.OIContracts.Valid, "open interest carries forward")
	}
	assert.True(t, rows[3].Price.Equal(decimal.NewFromInt(103)))
}

func TestSyncIsIdempotentWithoutNewData(t *testing.T) {
	store := memory.New()
	market := &fakeMarket{
		trades: []fetcher.Trade{trade(base.Add(time.Second), "4", false)},
		prices: []fetcher.MarkPrice{price(base.Add(-15*time.Minute), 100), price(base, 101)},
	}
	agg := newAggregator(market, store, base.Add(6*time.Minute))
	ctx := context.Background()

	_, err := agg.Sync(ctx, "BTCUSDT", nil)
	require.NoError(t, err)
	before, err := store.RecentSnapshots(ctx, "BTCUSDT", 10)
	require.NoError(t, err)

	last, err := store.LatestSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	res, err := agg.Sync(ctx, "BTCUSDT", &last)
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	after, err := store.RecentSnapshots(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.True(t, before[i].CVD.Equal(after[i].CVD))
	}
}

func TestSyncSeedsFromLastSnapshot(t *testing.T) {
	store := memory.New()
	market := &fakeMarket{
		trades: []fetcher.Trade{
			trade(base.Add(5*time.Minute+time.Second), "1.5", true),
			trade(base.Add(10*time.Minute+time.Second), "0.5", false),
		},
	}
	last := storage.Snapshot{Symbol: "BTCUSDT", Bucket: base, Price: decimal.NewFromInt(200), CVD: decimal.NewFromInt(50)}

	agg := newAggregator(market, store, base.Add(16*time.Minute))
	res, err := agg.Sync(context.Background(), "BTCUSDT", &last)
	require.NoError(t, err)
	require.Equal(t, 2, res.Written)
	require.NotNil(t, res.Latest)
	assert.True(t, res.Latest.CVD.Equal(decimal.RequireFromString("49")))
	assert.True(t, res.Latest.Price.Equal(decimal.NewFromInt(200)), "price carries forward from the stored row")
}

func TestSyncLeavesOpenBucketForLaterPass(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	market := &fakeMarket{
		trades: []fetcher.Trade{
			trade(base.Add(30*time.Second), "1", false),
			trade(base.Add(3*time.Minute), "10", false),
			trade(base.Add(6*time.Minute), "100", false),
		},
		prices: []fetcher.MarkPrice{price(base, 100), price(base.Add(5*time.Minute), 101)},
	}

	now := base
	clock := func() time.Time { return now }
	market.clock = clock
	agg := New(Options{Interval: 5 * time.Minute, DefaultBackfillIntervals: 3}, market, store, zerolog.Nop())
	agg.SetClock(clock)

	runAt := func(at time.Time) SyncResult {
		now = at
		var last *storage.Snapshot
		latest, err := store.LatestSnapshot(ctx, "BTCUSDT")
		if err == nil {
			last = &latest
		} else {
			require.ErrorIs(t, err, storage.ErrNotFound)
		}
		res, err := agg.Sync(ctx, "BTCUSDT", last)
		require.NoError(t, err)
		return res
	}

	for _, at := range []time.Time{base.Add(time.Minute), base.Add(4 * time.Minute)} {
		res := runAt(at)
		assert.Zero(t, res.Written, "bucket 10:00 is still open at %s", at.Format("15:04"))
	}

	runAt(base.Add(6*time.Minute + 30*time.Second))
	rows, err := store.SnapshotsBetween(ctx, "BTCUSDT", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1, "the open 10:05 bucket is not written")
	assert.True(t, rows[0].Bucket.Equal(base))
	assert.True(t, rows[0].CVD.Equal(decimal.NewFromInt(11)), "both trades of the 10:00 bucket count, got %s", rows[0].CVD)

	res := runAt(base.Add(10*time.Minute + 30*time.Second))
	require.NotNil(t, res.Latest)
	assert.True(t, res.Latest.Bucket.Equal(base.Add(5*time.Minute)))
	assert.True(t, res.Latest.CVD.Equal(decimal.NewFromInt(111)), "cvd chain holds every trade, got %s", res.Latest.CVD)
}

func TestSyncSkipsBucketsWithoutPriceButKeepsCVD(t *testing.T) {
	store := memory.New()
	market := &fakeMarket{
		trades: []fetcher.Trade{
			trade(base.Add(-15*time.Minute+time.Second), "3", false),
			trade(base.Add(-10*time.Minute+time.Second), "2", false),
		},
		prices: []fetcher.MarkPrice{price(base.Add(-5*time.Minute), 100)},
	}
	agg := newAggregator(market, store, base.Add(5*time.Minute))
	res, err := agg.Sync(context.Background(), "BTCUSDT", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Written)

	rows, err := store.SnapshotsBetween(context.Background(), "BTCUSDT", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].CVD.Equal(decimal.NewFromInt(5)))
}

func TestSyncDegradesFailedSeries(t *testing.T) {
	store := memory.New()
	market := &fakeMarket{
		tradeErr: &fetcher.UnavailableError{Attempts: 4, Err: errors.New("boom")},
		oiErr:    errors.New("oi down"),
		prices:   []fetcher.MarkPrice{price(base, 100)},
	}
	last := storage.Snapshot{Symbol: "BTCUSDT", Bucket: base.Add(-5 * time.Minute), Price: decimal.NewFromInt(99), CVD: decimal.NewFromInt(7),
		OIContracts: decimal.NewNullDecimal(decimal.NewFromInt(3))}

	agg := newAggregator(market, store, base.Add(5*time.Minute))
	res, err := agg.Sync(context.Background(), "BTCUSDT", &last)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{SeriesTrades, SeriesOpenInterest}, res.Degraded)
	require.NotNil(t, res.Latest)
	assert.True(t, res.Latest.CVD.Equal(decimal.NewFromInt(7)))
	assert.True(t, res.Latest.OIContracts.Decimal.Equal(decimal.NewFromInt(3)))
}

func TestSyncRejectsInvalidSymbol(t *testing.T) {
	market := &fakeMarket{}
	agg := newAggregator(market, memory.New(), base)
	_, err := agg.Sync(context.Background(), "btc-usdt", nil)
	assert.ErrorIs(t, err, fetcher.ErrInvalidSymbol)
	assert.Zero(t, market.calls)
}

func TestSyncPropagatesPersistenceFailure(t *testing.T) {
	store := memory.New()
	store.UpsertErr = errors.New("disk full")
	market := &fakeMarket{prices: []fetcher.MarkPrice{price(base, 100)}}
	agg := newAggregator(market, store, base.Add(5*time.Minute))

	_, err := agg.Sync(context.Background(), "BTCUSDT", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.UpsertErr)
}

func TestBackfillSplicesOntoEarliestSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertSnapshots(ctx, []storage.Snapshot{
		{Symbol: "BTCUSDT", Bucket: base, Price: decimal.NewFromInt(110), CVD: decimal.NewFromInt(1000)},
	}))

	market := &fakeMarket{
		trades: []fetcher.Trade{
			trade(base.Add(-10*time.Minute+time.Second), "4", false),
			trade(base.Add(-5*time.Minute+time.Second), "1", true),
			trade(base.Add(time.Second), "6", false),
		},
		prices: []fetcher.MarkPrice{
			price(base.Add(-10*time.Minute), 100),
			price(base.Add(-5*time.Minute), 105),
			price(base, 110),
		},
	}
	agg := newAggregator(market, store, base.Add(time.Hour))

	res, err := agg.Backfill(ctx, "BTCUSDT", base.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	rows, err := store.SnapshotsBetween(ctx, "BTCUSDT", base.Add(-time.Hour), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// computed: 4, 3, 9 -> offset 991
	assert.True(t, rows[0].CVD.Equal(decimal.NewFromInt(995)))
	assert.True(t, rows[1].CVD.Equal(decimal.NewFromInt(994)))
	assert.True(t, rows[2].CVD.Equal(decimal.NewFromInt(1000)), "earliest row is not rewritten")
	assert.True(t, rows[2].CVD.Sub(rows[1].CVD).Equal(decimal.NewFromInt(6)), "series splices with the anchor bucket delta")
}

func TestBackfillNoOpWhenFromAfterEarliest(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertSnapshots(ctx, []storage.Snapshot{
		{Symbol: "BTCUSDT", Bucket: base, Price: decimal.NewFromInt(110), CVD: decimal.NewFromInt(1000)},
	}))
	market := &fakeMarket{}
	agg := newAggregator(market, store, base.Add(time.Hour))

	res, err := agg.Backfill(ctx, "BTCUSDT", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Zero(t, market.calls)
}
