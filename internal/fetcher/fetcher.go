package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one aggregated taker trade.
type Trade struct {
	ID         int64
	Time       time.Time
	Price      decimal.Decimal
	Qty        decimal.Decimal
	BuyerMaker bool
}

// SignedQty is positive for buyer-initiated trades and negative when the buyer was the maker.
func (t Trade) SignedQty() decimal.Decimal {
	if t.BuyerMaker {
		return t.Qty.Neg()
	}
	return t.Qty
}

// OpenInterest is one periodic open-interest sample.
type OpenInterest struct {
	Time      time.Time
	Contracts decimal.Decimal
	Value     decimal.Decimal
}

// MarkPrice is the close of one mark-price candle, keyed by its open time.
type MarkPrice struct {
	Time  time.Time
	Close decimal.Decimal
}

// MarketDataFetcher retrieves the three series the aggregator needs plus 24h volume.
type MarketDataFetcher interface {
	FetchTrades(ctx context.Context, symbol string, start, end time.Time) ([]Trade, error)
	FetchOpenInterest(ctx context.Context, symbol string, period time.Duration, start, end time.Time) ([]OpenInterest, error)
	FetchMarkPrices(ctx context.Context, symbol string, interval time.Duration, start, end time.Time) ([]MarkPrice, error)
	Fetch24hQuoteVolume(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Getter is the transport the market fetcher depends on.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

var _ Getter = (*Client)(nil)
