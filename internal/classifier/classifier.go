// Package classifier maps a symbol's recent snapshot window onto at most one
// alert category and persists it behind a cooldown gate.
package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cvdwatcher/internal/storage"
)

// DefaultCooldown applies when Options.Cooldown is not positive.
const DefaultCooldown = 15 * time.Minute

const (
	defaultInterval          = 5 * time.Minute
	defaultDivergenceWindow  = 12
	defaultMaxCVDChangePct   = 150
	defaultMaxPriceChangePct = 50
)

// Options parameterise the classifier.
type Options struct {
	// ReferenceOffset is how far back from the latest bucket the reference must sit.
	ReferenceOffset   time.Duration
	Cooldown          time.Duration
	DivergenceWindow  int
	MaxCVDChangePct   float64
	MaxPriceChangePct float64
	Thresholds        Thresholds
}

// Result is the outcome of classifying one window.
type Result struct {
	Category  Category
	Changes   Changes
	Latest    storage.Snapshot
	Reference storage.Snapshot
	// Anomaly is set when the guard rejected implausible deltas.
	Anomaly bool
	// Suppressed is set by Evaluate when the cooldown gate blocked emission.
	Suppressed bool
	Detail     string
}

// Classifier evaluates windows against the ordered rule table.
type Classifier struct {
	opts   Options
	alerts storage.AlertStore
	gate   CooldownGate
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a classifier. A nil gate falls back to the alert-store cooldown check.
func New(opts Options, alerts storage.AlertStore, gate CooldownGate, logger zerolog.Logger) *Classifier {
	if opts.ReferenceOffset <= 0 {
		opts.ReferenceOffset = defaultInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.DivergenceWindow <= 1 {
		opts.DivergenceWindow = defaultDivergenceWindow
	}
	if opts.MaxCVDChangePct <= 0 {
		opts.MaxCVDChangePct = defaultMaxCVDChangePct
	}
	if opts.MaxPriceChangePct <= 0 {
		opts.MaxPriceChangePct = defaultMaxPriceChangePct
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if gate == nil && alerts != nil {
		gate = NewStoreGate(alerts, opts.Cooldown)
	}

	return &Classifier{
		opts:   opts,
		alerts: alerts,
		gate:   gate,
		logger: logger.With().Str("component", "classifier").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock used for alert timestamps and cooldown.
func (c *Classifier) SetClock(now func() time.Time) {
	c.now = now
}

// WindowSize is the number of snapshots Evaluate needs.
func (c *Classifier) WindowSize() int {
	return c.opts.DivergenceWindow
}

// Classify is a pure function over window, which must be newest first.
func (c *Classifier) Classify(window []storage.Snapshot) Result {
	if len(window) < 2 {
		return Result{Category: CategoryNone, Detail: "insufficient history"}
	}

	latest := window[0]
	ref := c.reference(window)
	changes := Changes{
		PricePct: safeDecimalChange(latest.Price, ref.Price),
		CVDPct:   safeDecimalChange(latest.CVD, ref.CVD),
		OIPct:    safeNullChange(latest.OIValue, ref.OIValue),
	}
	res := Result{Category: CategoryNone, Changes: changes, Latest: latest, Reference: ref}

	if math.Abs(changes.CVDPct) > c.opts.MaxCVDChangePct || math.Abs(changes.PricePct) > c.opts.MaxPriceChangePct {
		res.Anomaly = true
		res.Detail = fmt.Sprintf("anomaly: price %+.2f%% cvd %+.2f%% outside sanity bounds", changes.PricePct, changes.CVDPct)
		return res
	}

	in := Input{Changes: changes, Price: latest.Price, CVD: latest.CVD}
	in.MaxPrice, in.MaxCVD = windowMax(window, c.opts.DivergenceWindow)

	res.Category = matchRules(in, c.opts.Thresholds)
	if res.Category != CategoryNone {
		res.Detail = describe(res.Category, in, ref)
	}
	return res
}

// reference is the newest snapshot at least ReferenceOffset older than the
// latest, else the oldest snapshot in the window.
func (c *Classifier) reference(window []storage.Snapshot) storage.Snapshot {
	cutoff := window[0].Bucket.Add(-c.opts.ReferenceOffset)
	for _, snap := range window[1:] {
		if !snap.Bucket.After(cutoff) {
			return snap
		}
	}
	return window[len(window)-1]
}

func windowMax(window []storage.Snapshot, size int) (decimal.Decimal, decimal.Decimal) {
	if size > len(window) {
		size = len(window)
	}
	maxPrice := window[0].Price
	maxCVD := window[0].CVD
	for _, snap := range window[1:size] {
		maxPrice = decimal.Max(maxPrice, snap.Price)
		maxCVD = decimal.Max(maxCVD, snap.CVD)
	}
	return maxPrice, maxCVD
}

func describe(category Category, in Input, ref storage.Snapshot) string {
	if category == CategoryTopDivergence {
		return fmt.Sprintf("price %s vs window high %s, cvd %s vs window high %s",
			in.Price.String(), in.MaxPrice.String(), in.CVD.String(), in.MaxCVD.String())
	}
	return fmt.Sprintf("price %+.2f%% cvd %+.2f%% oi %+.2f%% since %s",
		in.PricePct, in.CVDPct, in.OIPct, ref.Bucket.Format(time.RFC3339))
}

// Evaluate classifies window and, when a category fires and the cooldown allows
// it, appends an alert row. A nil alert with a nil error means nothing was emitted.
func (c *Classifier) Evaluate(ctx context.Context, symbol string, window []storage.Snapshot) (*storage.Alert, Result, error) {
	res := c.Classify(window)
	if res.Anomaly {
		c.logger.Warn().Str("symbol", symbol).Str("detail", res.Detail).Msg("discarding implausible window")
		return nil, res, nil
	}
	if res.Category == CategoryNone {
		return nil, res, nil
	}

	now := c.now()
	if c.gate != nil {
		allowed, err := c.gate.Allow(ctx, symbol, string(res.Category), now)
		if err != nil {
			return nil, res, fmt.Errorf("cooldown check: %w", err)
		}
		if !allowed {
			res.Suppressed = true
			c.logger.Debug().Str("symbol", symbol).Str("category", string(res.Category)).Msg("alert suppressed by cooldown")
			return nil, res, nil
		}
	}

	if c.alerts == nil {
		return nil, res, storage.ErrNotConfigured
	}
	alert, err := c.alerts.InsertAlert(ctx, storage.Alert{
		Symbol:         symbol,
		Category:       string(res.Category),
		Bucket:         res.Latest.Bucket,
		Price:          res.Latest.Price,
		CVD:            res.Latest.CVD,
		PriceChangePct: res.Changes.PricePct,
		CVDChangePct:   res.Changes.CVDPct,
		OIChangePct:    res.Changes.OIPct,
		Detail:         res.Detail,
		CreatedAt:      now,
	})
	if err != nil {
		if c.gate != nil {
			if relErr := c.gate.Release(ctx, symbol, string(res.Category)); relErr != nil {
				c.logger.Warn().Err(relErr).Str("symbol", symbol).Str("category", string(res.Category)).Msg("release cooldown slot")
			}
		}
		return nil, res, fmt.Errorf("persist alert: %w", err)
	}

	c.logger.Info().
		Str("symbol", symbol).
		Str("category", alert.Category).
		Float64("price_pct", res.Changes.PricePct).
		Float64("cvd_pct", res.Changes.CVDPct).
		Float64("oi_pct", res.Changes.OIPct).
		Msg("alert emitted")
	return &alert, res, nil
}
