package app

import (
	"context"
	"fmt"

	"cvdwatcher/internal/classifier"
	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/service"
	"cvdwatcher/internal/whale"
)

// Whale scores the open-interest pattern of one symbol from stored snapshots
// and the live 24h volume.
func (a *App) Whale(ctx context.Context, symbol string) (whale.Signal, error) {
	if err := fetcher.ValidateSymbol(symbol); err != nil {
		return whale.Signal{}, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return whale.Signal{}, err
	}
	defer closeStore()

	cls := classifier.New(a.classifierOptions(), store, nil, a.Logger)
	window, err := store.RecentSnapshots(ctx, symbol, cls.WindowSize())
	if err != nil {
		return whale.Signal{}, err
	}
	history := service.OIHistory(window, service.WhaleHistory)
	if len(history) < 2 {
		fmt.Fprintf(a.Out, "%s: not enough open-interest history\n", symbol)
		return whale.Signal{Type: whale.SignalNone}, nil
	}

	volume, err := a.newMarket(nil).Fetch24hQuoteVolume(ctx, symbol)
	if err != nil {
		return whale.Signal{}, fmt.Errorf("fetch 24h volume: %w", err)
	}

	res := cls.Classify(window)
	sig := a.newWhale().Detect(whale.Input{
		History:        history,
		PriceChangePct: res.Changes.PricePct,
		Volume24h:      volume,
	})

	fmt.Fprintf(a.Out, "%s: %s confidence=%d oi_change=%.2f%% delta=%s ratio=%.3f price_change=%.2f%%\n",
		symbol, sig.Type, sig.Confidence, sig.OIChangePct, sig.OIDelta.StringFixed(2), sig.DeltaVolumeRatio, sig.PriceChangePct)
	if sig.Description != "" {
		fmt.Fprintln(a.Out, sig.Description)
	}
	return sig, nil
}
