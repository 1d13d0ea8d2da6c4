package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggTradesPath      = "/fapi/v1/aggTrades"
	openInterestPath   = "/futures/data/openInterestHist"
	markPriceKlinePath = "/fapi/v1/markPriceKlines"
	ticker24hPath      = "/fapi/v1/ticker/24hr"

	defaultBaseURL        = "https://fapi.binance.com"
	defaultTradePageLimit = 1000
	defaultMaxTradePages  = 200
	defaultKlineLimit     = 1500
	defaultOILimit        = 500
)

// BinanceOptions parameterise the USDⓈ-M futures market-data fetcher.
type BinanceOptions struct {
	BaseURL        string
	TradePageLimit int
	MaxTradePages  int
	KlineLimit     int
	OILimit        int
}

// Binance reads trades, open interest and mark prices from Binance futures.
type Binance struct {
	opts    BinanceOptions
	client  Getter
	logger  zerolog.Logger
	baseURL string
}

// NewBinance constructs a market-data fetcher over the retrying client.
func NewBinance(opts BinanceOptions, client Getter, logger zerolog.Logger) *Binance {
	if opts.TradePageLimit <= 0 {
		opts.TradePageLimit = defaultTradePageLimit
	}
	if opts.MaxTradePages <= 0 {
		opts.MaxTradePages = defaultMaxTradePages
	}
	if opts.KlineLimit <= 0 {
		opts.KlineLimit = defaultKlineLimit
	}
	if opts.OILimit <= 0 {
		opts.OILimit = defaultOILimit
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Binance{
		opts:    opts,
		client:  client,
		logger:  logger.With().Str("component", "binance_fetcher").Logger(),
		baseURL: baseURL,
	}
}

type aggTradeRow struct {
	ID         int64  `json:"a"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	Time       int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

// FetchTrades pages forward from start until a trade passes end or a page comes back short.
func (b *Binance) FetchTrades(ctx context.Context, symbol string, start, end time.Time) ([]Trade, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	limit := b.opts.TradePageLimit
	endMs := end.UnixMilli()
	trades := make([]Trade, 0, limit)

	var fromID int64 = -1
	for page := 0; page < b.opts.MaxTradePages; page++ {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("limit", strconv.Itoa(limit))
		if fromID < 0 {
			params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		} else {
			params.Set("fromId", strconv.FormatInt(fromID, 10))
		}

		var rows []aggTradeRow
		if err := b.getJSON(ctx, aggTradesPath, params, &rows); err != nil {
			return nil, fmt.Errorf("fetch trades page %d: %w", page, err)
		}

		pastEnd := false
		for _, row := range rows {
			if row.Time > endMs {
				pastEnd = true
				break
			}
			trade, err := row.toTrade()
			if err != nil {
				b.logger.Warn().Err(err).Str("symbol", symbol).Int64("trade_id", row.ID).Msg("skip malformed trade")
				continue
			}
			trades = append(trades, trade)
		}

		if pastEnd || len(rows) < limit {
			return trades, nil
		}
		fromID = rows[len(rows)-1].ID + 1
	}

	b.logger.Warn().Str("symbol", symbol).Int("pages", b.opts.MaxTradePages).Int("trades", len(trades)).
		Msg("trade pagination hit page cap; window truncated")
	return trades, nil
}

func (r aggTradeRow) toTrade() (Trade, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return Trade{}, fmt.Errorf("parse price: %w", err)
	}
	qty, err := decimal.NewFromString(r.Qty)
	if err != nil {
		return Trade{}, fmt.Errorf("parse qty: %w", err)
	}
	return Trade{
		ID:         r.ID,
		Time:       time.UnixMilli(r.Time).UTC(),
		Price:      price,
		Qty:        qty,
		BuyerMaker: r.BuyerMaker,
	}, nil
}

type openInterestRow struct {
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// FetchOpenInterest returns OI history samples in [start, end], chunked by the row limit.
func (b *Binance) FetchOpenInterest(ctx context.Context, symbol string, period time.Duration, start, end time.Time) ([]OpenInterest, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	periodStr, err := IntervalString(period)
	if err != nil {
		return nil, err
	}

	out := make([]OpenInterest, 0)
	span := period * time.Duration(b.opts.OILimit-1)
	for chunkStart := start; !chunkStart.After(end); chunkStart = chunkStart.Add(span + period) {
		chunkEnd := chunkStart.Add(span)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("period", periodStr)
		params.Set("startTime", strconv.FormatInt(chunkStart.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(chunkEnd.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(b.opts.OILimit))

		var rows []openInterestRow
		if err := b.getJSON(ctx, openInterestPath, params, &rows); err != nil {
			return nil, fmt.Errorf("fetch open interest: %w", err)
		}
		for _, row := range rows {
			contracts, err := decimal.NewFromString(row.SumOpenInterest)
			if err != nil {
				b.logger.Warn().Err(err).Str("symbol", symbol).Msg("skip malformed open interest")
				continue
			}
			value, err := decimal.NewFromString(row.SumOpenInterestValue)
			if err != nil {
				b.logger.Warn().Err(err).Str("symbol", symbol).Msg("skip malformed open interest value")
				continue
			}
			out = append(out, OpenInterest{
				Time:      time.UnixMilli(row.Timestamp).UTC(),
				Contracts: contracts,
				Value:     value,
			})
		}
	}
	return out, nil
}

// FetchMarkPrices returns mark-price candle closes in [start, end].
func (b *Binance) FetchMarkPrices(ctx context.Context, symbol string, interval time.Duration, start, end time.Time) ([]MarkPrice, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	intervalStr, err := IntervalString(interval)
	if err != nil {
		return nil, err
	}

	out := make([]MarkPrice, 0)
	span := interval * time.Duration(b.opts.KlineLimit-1)
	for chunkStart := start; !chunkStart.After(end); chunkStart = chunkStart.Add(span + interval) {
		chunkEnd := chunkStart.Add(span)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", intervalStr)
		params.Set("startTime", strconv.FormatInt(chunkStart.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(chunkEnd.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(b.opts.KlineLimit))

		var rows [][]json.RawMessage
		if err := b.getJSON(ctx, markPriceKlinePath, params, &rows); err != nil {
			return nil, fmt.Errorf("fetch mark price klines: %w", err)
		}
		for _, row := range rows {
			point, err := parseKline(row)
			if err != nil {
				b.logger.Warn().Err(err).Str("symbol", symbol).Msg("skip malformed kline")
				continue
			}
			out = append(out, point)
		}
	}
	return out, nil
}

func parseKline(row []json.RawMessage) (MarkPrice, error) {
	if len(row) < 5 {
		return MarkPrice{}, fmt.Errorf("kline has %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return MarkPrice{}, fmt.Errorf("parse open time: %w", err)
	}
	var closeStr string
	if err := json.Unmarshal(row[4], &closeStr); err != nil {
		return MarkPrice{}, fmt.Errorf("parse close: %w", err)
	}
	closePrice, err := decimal.NewFromString(closeStr)
	if err != nil {
		return MarkPrice{}, fmt.Errorf("parse close: %w", err)
	}
	return MarkPrice{Time: time.UnixMilli(openTime).UTC(), Close: closePrice}, nil
}

// Fetch24hQuoteVolume returns the rolling 24h traded notional.
func (b *Binance) Fetch24hQuoteVolume(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return decimal.Zero, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var ticker struct {
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := b.getJSON(ctx, ticker24hPath, params, &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("fetch 24h ticker: %w", err)
	}
	volume, err := decimal.NewFromString(ticker.QuoteVolume)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse quote volume: %w", err)
	}
	return volume, nil
}

func (b *Binance) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	endpoint := b.baseURL + path + "?" + params.Encode()
	body, err := b.client.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// IntervalString maps a bucket width onto the provider's interval label.
func IntervalString(d time.Duration) (string, error) {
	switch d {
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 2 * time.Hour:
		return "2h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 6 * time.Hour:
		return "6h", nil
	case 12 * time.Hour:
		return "12h", nil
	case 24 * time.Hour:
		return "1d", nil
	default:
		return "", fmt.Errorf("unsupported interval %s", d)
	}
}

var _ MarketDataFetcher = (*Binance)(nil)
