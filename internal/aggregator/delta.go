package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cvdwatcher/internal/bucket"
	"cvdwatcher/internal/fetcher"
)

// TradeDelta is the signed traded volume of one bucket.
type TradeDelta struct {
	Bucket time.Time
	Volume decimal.Decimal
}

// FoldTrades sums signed trade quantities per bucket, ascending by bucket.
func FoldTrades(trades []fetcher.Trade, interval time.Duration) []TradeDelta {
	sums := make(map[int64]decimal.Decimal)
	for _, t := range trades {
		key := bucket.Align(t.Time, interval).UnixMilli()
		sums[key] = sums[key].Add(t.SignedQty())
	}

	out := make([]TradeDelta, 0, len(sums))
	for key, volume := range sums {
		out = append(out, TradeDelta{Bucket: time.UnixMilli(key).UTC(), Volume: volume})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}
