// Package whale flags open-interest patterns that suggest a large participant.
// Signals are computed on demand and never stored.
package whale

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Type names a whale pattern.
type Type string

const (
	SignalNone         Type = "none"
	SignalAccumulation Type = "accumulation"
	SignalDistribution Type = "distribution"
	SignalWash         Type = "wash_pattern"
)

// OIPoint is one open-interest sample.
type OIPoint struct {
	Time      time.Time
	Contracts decimal.Decimal
	Value     decimal.Decimal
}

// Input feeds one detection. History is newest first.
type Input struct {
	History        []OIPoint
	PriceChangePct float64
	Volume24h      decimal.Decimal
}

// Thresholds are in percent.
type Thresholds struct {
	AccumulationOIPct     float64
	AccumulationMaxPrice  float64
	AccumulationMinRatio  float64
	DistributionOIPct     float64
	DistributionPriceFrac float64
	WashRisePct           float64
	WashDropPct           float64
	WashMaxNetPct         float64
	WashMaxPricePct       float64
}

// DefaultThresholds returns the production pattern limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AccumulationOIPct:     3,
		AccumulationMaxPrice:  0.5,
		AccumulationMinRatio:  0.2,
		DistributionOIPct:     -3,
		DistributionPriceFrac: 0.5,
		WashRisePct:           3,
		WashDropPct:           -2.5,
		WashMaxNetPct:         1,
		WashMaxPricePct:       0.5,
	}
}

// Signal is a confidence-scored detection.
type Signal struct {
	Type             Type
	Confidence       int
	OIChangePct      float64
	OIDelta          decimal.Decimal
	OIValue          decimal.Decimal
	DeltaVolumeRatio float64
	PriceChangePct   float64
	Description      string
}

// Detector evaluates wash, accumulation and distribution in that order.
type Detector struct {
	thresholds Thresholds
	logger     zerolog.Logger
}

// New builds a detector; zero thresholds fall back to the defaults.
func New(thresholds Thresholds, logger zerolog.Logger) *Detector {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Detector{
		thresholds: thresholds,
		logger:     logger.With().Str("component", "whale_detector").Logger(),
	}
}

// Detect returns SignalNone when history is too short or no pattern matches.
func (d *Detector) Detect(in Input) Signal {
	if len(in.History) < 2 {
		return Signal{Type: SignalNone, Description: "insufficient open interest history"}
	}

	latest, prev := in.History[0], in.History[1]
	sig := Signal{
		Type:           SignalNone,
		OIChangePct:    pctChange(latest.Contracts, prev.Contracts),
		OIDelta:        latest.Value.Sub(prev.Value),
		OIValue:        latest.Value,
		PriceChangePct: in.PriceChangePct,
	}
	if in.Volume24h.IsPositive() {
		sig.DeltaVolumeRatio = sig.OIDelta.Abs().Div(in.Volume24h).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	t := d.thresholds
	switch {
	case d.wash(in, &sig):
	case sig.OIChangePct >= t.AccumulationOIPct &&
		math.Abs(in.PriceChangePct) <= t.AccumulationMaxPrice &&
		sig.DeltaVolumeRatio >= t.AccumulationMinRatio:
		sig.Type = SignalAccumulation
		sig.Confidence = clamp(60 +
			(sig.OIChangePct-t.AccumulationOIPct)*5 +
			(sig.DeltaVolumeRatio-t.AccumulationMinRatio)*20)
		sig.Description = fmt.Sprintf("open interest +%.2f%% (%.2f%% of 24h volume) with price flat at %+.2f%%",
			sig.OIChangePct, sig.DeltaVolumeRatio, in.PriceChangePct)
	case sig.OIChangePct <= t.DistributionOIPct &&
		in.PriceChangePct >= sig.OIChangePct*t.DistributionPriceFrac:
		sig.Type = SignalDistribution
		sig.Confidence = clamp(55 +
			(t.DistributionOIPct-sig.OIChangePct)*5 +
			(in.PriceChangePct-sig.OIChangePct*t.DistributionPriceFrac)*4)
		sig.Description = fmt.Sprintf("open interest %.2f%% while price only moved %+.2f%%",
			sig.OIChangePct, in.PriceChangePct)
	default:
		sig.Description = "no pattern"
	}

	if sig.Type != SignalNone {
		d.logger.Debug().
			Str("type", string(sig.Type)).
			Int("confidence", sig.Confidence).
			Float64("oi_pct", sig.OIChangePct).
			Msg("whale pattern detected")
	}
	return sig
}

// wash needs three points: a sharp rise followed by a drop back to roughly
// where it started.
func (d *Detector) wash(in Input, sig *Signal) bool {
	if len(in.History) < 3 {
		return false
	}
	t := d.thresholds
	rise := pctChange(in.History[1].Contracts, in.History[2].Contracts)
	drop := pctChange(in.History[0].Contracts, in.History[1].Contracts)
	net := pctChange(in.History[0].Contracts, in.History[2].Contracts)

	if rise < t.WashRisePct || drop > t.WashDropPct ||
		math.Abs(net) > t.WashMaxNetPct || math.Abs(in.PriceChangePct) > t.WashMaxPricePct {
		return false
	}

	sig.Type = SignalWash
	sig.Confidence = clamp(50 + (rise-t.WashRisePct)*5 + (t.WashDropPct-drop)*5 + (t.WashMaxNetPct-math.Abs(net))*5)
	sig.Description = fmt.Sprintf("open interest +%.2f%% then %.2f%%, net %+.2f%% over 10m", rise, drop, net)
	return true
}

func pctChange(current, reference decimal.Decimal) float64 {
	if reference.IsZero() {
		return 0
	}
	return current.Sub(reference).Mul(decimal.NewFromInt(100)).Div(reference.Abs()).InexactFloat64()
}

func clamp(score float64) int {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return int(math.Round(score))
	}
}
