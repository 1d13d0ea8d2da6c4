// Package aggregator turns upstream trades, open interest and mark prices into
// bucketed snapshots carrying a running cumulative volume delta.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cvdwatcher/internal/bucket"
	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/storage"
)

const (
	defaultInterval          = 5 * time.Minute
	defaultBackfillIntervals = 24

	SeriesTrades       = "trades"
	SeriesOpenInterest = "open_interest"
	SeriesMarkPrice    = "mark_price"
)

// Options parameterise the aggregator.
type Options struct {
	Interval                 time.Duration
	DefaultBackfillIntervals int
}

// SyncResult describes what one aggregation pass did for a symbol.
type SyncResult struct {
	Symbol  string
	Start   time.Time
	End     time.Time
	Buckets int
	Written int
	Skipped int
	Trades  int
	NoOp    bool
	// Degraded lists the series whose fetch failed and fell back to carried values.
	Degraded []string
	// Latest is the newest row written in this pass, nil when nothing was written.
	Latest *storage.Snapshot
}

// Aggregator reconciles the gap between the last stored bucket and now.
type Aggregator struct {
	opts   Options
	market fetcher.MarketDataFetcher
	store  storage.SnapshotStore
	logger zerolog.Logger
	now    func() time.Time
}

// New wires an aggregator over a market fetcher and snapshot store.
func New(opts Options, market fetcher.MarketDataFetcher, store storage.SnapshotStore, logger zerolog.Logger) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.DefaultBackfillIntervals <= 0 {
		opts.DefaultBackfillIntervals = defaultBackfillIntervals
	}
	return &Aggregator{
		opts:   opts,
		market: market,
		store:  store,
		logger: logger.With().Str("component", "aggregator").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// lastClosed is the newest bucket that ended at or before now.
func (a *Aggregator) lastClosed() time.Time {
	return bucket.Align(a.now(), a.opts.Interval).Add(-a.opts.Interval)
}

// Interval returns the bucket width.
func (a *Aggregator) Interval() time.Duration {
	return a.opts.Interval
}

// Sync fills every bucket after last up to and including the newest closed one.
// The bucket containing now is left for a later pass, once its trade set is
// complete. A nil last means cold start with a bounded look-back.
func (a *Aggregator) Sync(ctx context.Context, symbol string, last *storage.Snapshot) (SyncResult, error) {
	if err := fetcher.ValidateSymbol(symbol); err != nil {
		return SyncResult{Symbol: symbol}, err
	}

	interval := a.opts.Interval
	current := a.lastClosed()

	var (
		start time.Time
		seed  carry
	)
	if last != nil {
		start = bucket.Align(last.Bucket, interval).Add(interval)
		seed = carryFrom(*last)
	} else {
		start = current.Add(-interval * time.Duration(a.opts.DefaultBackfillIntervals))
		seed = carry{cvd: decimal.Zero}
	}

	result := SyncResult{Symbol: symbol, Start: start, End: current}
	if start.After(current) {
		result.NoOp = true
		return result, nil
	}

	buckets := bucket.Range(start, current, interval)
	result.Buckets = len(buckets)

	series := a.fetchSeries(ctx, symbol, start, bucket.End(current, interval))
	result.Degraded = series.degraded
	result.Trades = series.trades

	rows, _ := a.walk(symbol, buckets, series, seed, &result)
	if err := a.persist(ctx, rows, &result); err != nil {
		return result, err
	}

	a.logger.Debug().
		Str("symbol", symbol).
		Time("start", start).
		Time("end", current).
		Int("buckets", result.Buckets).
		Int("written", result.Written).
		Int("skipped", result.Skipped).
		Strs("degraded", result.Degraded).
		Msg("sync complete")
	return result, nil
}

// Backfill rebuilds history from `from` up to the earliest stored bucket and shifts
// the rebuilt CVD so it joins the existing series without a jump. The earliest
// stored row is left untouched.
func (a *Aggregator) Backfill(ctx context.Context, symbol string, from time.Time) (SyncResult, error) {
	if err := fetcher.ValidateSymbol(symbol); err != nil {
		return SyncResult{Symbol: symbol}, err
	}

	interval := a.opts.Interval
	start := bucket.Align(from, interval)

	earliest, err := a.store.EarliestSnapshot(ctx, symbol)
	if err != nil && !storage.IsNotFound(err) {
		return SyncResult{Symbol: symbol}, fmt.Errorf("load earliest snapshot: %w", err)
	}
	if storage.IsNotFound(err) {
		return a.fill(ctx, symbol, start, a.lastClosed())
	}

	anchor := bucket.Align(earliest.Bucket, interval)
	result := SyncResult{Symbol: symbol, Start: start, End: anchor}
	if !start.Before(anchor) {
		result.NoOp = true
		return result, nil
	}

	buckets := bucket.Range(start, anchor, interval)
	result.Buckets = len(buckets) - 1

	series := a.fetchSeries(ctx, symbol, start, bucket.End(anchor, interval))
	result.Degraded = series.degraded
	result.Trades = series.trades

	rows, computed := a.walk(symbol, buckets, series, carry{cvd: decimal.Zero}, &result)

	offset := earliest.CVD.Sub(computed)
	spliced := make([]storage.Snapshot, 0, len(rows))
	for _, row := range rows {
		if !row.Bucket.Before(anchor) {
			continue
		}
		row.CVD = row.CVD.Add(offset)
		spliced = append(spliced, row)
	}

	if err := a.persist(ctx, spliced, &result); err != nil {
		return result, err
	}

	a.logger.Info().
		Str("symbol", symbol).
		Time("from", start).
		Time("anchor", anchor).
		Str("offset", offset.String()).
		Int("written", result.Written).
		Msg("backfill spliced onto existing series")
	return result, nil
}

// fill writes a fresh series from start through end with CVD seeded at zero.
func (a *Aggregator) fill(ctx context.Context, symbol string, start, end time.Time) (SyncResult, error) {
	interval := a.opts.Interval
	result := SyncResult{Symbol: symbol, Start: start, End: end}
	if start.After(end) {
		result.NoOp = true
		return result, nil
	}

	buckets := bucket.Range(start, end, interval)
	result.Buckets = len(buckets)

	series := a.fetchSeries(ctx, symbol, start, bucket.End(end, interval))
	result.Degraded = series.degraded
	result.Trades = series.trades

	rows, _ := a.walk(symbol, buckets, series, carry{cvd: decimal.Zero}, &result)
	if err := a.persist(ctx, rows, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (a *Aggregator) persist(ctx context.Context, rows []storage.Snapshot, result *SyncResult) error {
	if len(rows) == 0 {
		return nil
	}
	if err := a.store.UpsertSnapshots(ctx, rows); err != nil {
		return fmt.Errorf("upsert snapshots for %s: %w", result.Symbol, err)
	}
	result.Written = len(rows)
	latest := rows[len(rows)-1]
	result.Latest = &latest
	return nil
}

type fetchedSeries struct {
	deltas   map[int64]decimal.Decimal
	prices   map[int64]decimal.Decimal
	oi       map[int64]fetcher.OpenInterest
	trades   int
	degraded []string
}

// fetchSeries pulls the three series concurrently. A failing series is recorded
// as degraded and left empty; it never fails the pass.
func (a *Aggregator) fetchSeries(ctx context.Context, symbol string, start, end time.Time) fetchedSeries {
	interval := a.opts.Interval

	var (
		trades    []fetcher.Trade
		oi        []fetcher.OpenInterest
		prices    []fetcher.MarkPrice
		tradesErr error
		oiErr     error
		priceErr  error
	)

	var g errgroup.Group
	g.Go(func() error {
		trades, tradesErr = a.market.FetchTrades(ctx, symbol, start, end)
		return nil
	})
	g.Go(func() error {
		oi, oiErr = a.market.FetchOpenInterest(ctx, symbol, interval, start, end)
		return nil
	})
	g.Go(func() error {
		prices, priceErr = a.market.FetchMarkPrices(ctx, symbol, interval, start, end)
		return nil
	})
	_ = g.Wait()

	out := fetchedSeries{
		deltas: make(map[int64]decimal.Decimal),
		prices: make(map[int64]decimal.Decimal),
		oi:     make(map[int64]fetcher.OpenInterest),
	}

	if tradesErr != nil {
		out.degraded = append(out.degraded, SeriesTrades)
		a.logSeriesFailure(symbol, SeriesTrades, tradesErr)
	} else {
		out.trades = len(trades)
		for _, d := range FoldTrades(trades, interval) {
			out.deltas[d.Bucket.UnixMilli()] = d.Volume
		}
	}

	if oiErr != nil {
		out.degraded = append(out.degraded, SeriesOpenInterest)
		a.logSeriesFailure(symbol, SeriesOpenInterest, oiErr)
	} else {
		for _, sample := range oi {
			out.oi[bucket.Align(sample.Time, interval).UnixMilli()] = sample
		}
	}

	if priceErr != nil {
		out.degraded = append(out.degraded, SeriesMarkPrice)
		a.logSeriesFailure(symbol, SeriesMarkPrice, priceErr)
	} else {
		for _, p := range prices {
			out.prices[bucket.Align(p.Time, interval).UnixMilli()] = p.Close
		}
	}
	return out
}

func (a *Aggregator) logSeriesFailure(symbol, series string, err error) {
	event := a.logger.Warn()
	if errors.Is(err, fetcher.ErrUpstreamUnavailable) {
		event = a.logger.Error()
	}
	event.Err(err).Str("symbol", symbol).Str("series", series).Msg("series fetch failed; falling back to carried values")
}

type carry struct {
	price    decimal.Decimal
	hasPrice bool
	oiCount  decimal.NullDecimal
	oiValue  decimal.NullDecimal
	cvd      decimal.Decimal
}

func carryFrom(s storage.Snapshot) carry {
	return carry{
		price:    s.Price,
		hasPrice: true,
		oiCount:  s.OIContracts,
		oiValue:  s.OIValue,
		cvd:      s.CVD,
	}
}

// walk folds the series over buckets in ascending order and returns the resolved
// rows plus the running CVD after the last bucket.
func (a *Aggregator) walk(symbol string, buckets []time.Time, series fetchedSeries, state carry, result *SyncResult) ([]storage.Snapshot, decimal.Decimal) {
	rows := make([]storage.Snapshot, 0, len(buckets))
	for _, b := range buckets {
		key := b.UnixMilli()

		if delta, ok := series.deltas[key]; ok {
			state.cvd = state.cvd.Add(delta)
		}
		if price, ok := series.prices[key]; ok {
			state.price = price
			state.hasPrice = true
		}
		if sample, ok := series.oi[key]; ok {
			state.oiCount = decimal.NewNullDecimal(sample.Contracts)
			state.oiValue = decimal.NewNullDecimal(sample.Value)
		}

		if !state.hasPrice {
			result.Skipped++
			a.logger.Debug().Str("symbol", symbol).Time("bucket", b).Msg("skip bucket without price")
			continue
		}

		rows = append(rows, storage.Snapshot{
			Symbol:      symbol,
			Bucket:      b,
			Price:       state.price,
			CVD:         state.cvd,
			OIContracts: state.oiCount,
			OIValue:     state.oiValue,
		})
	}
	return rows, state.cvd
}
