package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cvdwatcher/internal/aggregator"
	"cvdwatcher/internal/fetcher"
)

// Backfill rebuilds history from opts.From for each symbol, or every enabled
// symbol when none are named.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) ([]aggregator.SyncResult, error) {
	if opts.From.IsZero() {
		return nil, errors.New("backfill requires --from")
	}
	if !opts.From.Before(time.Now()) {
		return nil, errors.New("backfill --from must be in the past")
	}

	p, err := a.buildPipeline(ctx, opts.DryRun, nil)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written to the database")
	}

	symbols := opts.Symbols
	if len(symbols) == 0 {
		enabled, err := p.store.EnabledSymbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("load enabled symbols: %w", err)
		}
		for _, sym := range enabled {
			symbols = append(symbols, sym.Code)
		}
	}
	for _, code := range symbols {
		if err := fetcher.ValidateSymbol(code); err != nil {
			return nil, err
		}
	}

	results := make([]aggregator.SyncResult, 0, len(symbols))
	failed := 0
	for _, code := range symbols {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res, err := p.aggregator.Backfill(ctx, code, opts.From.UTC())
		results = append(results, res)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("symbol", code).Msg("backfill failed")
			continue
		}
		fmt.Fprintf(a.Out, "%s: buckets=%d written=%d skipped=%d noop=%t degraded=%v\n",
			code, res.Buckets, res.Written, res.Skipped, res.NoOp, res.Degraded)
	}

	a.Logger.Info().Int("symbols", len(symbols)).Int("failed", failed).Msg("backfill complete")
	if failed > 0 {
		return results, fmt.Errorf("backfill failed for %d of %d symbols", failed, len(symbols))
	}
	return results, nil
}
