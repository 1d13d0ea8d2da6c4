package classifier

import (
	"math"

	"github.com/shopspring/decimal"
)

// Category is the closed set of alert classifications.
type Category string

const (
	CategoryNone                Category = "none"
	CategoryStrongBreakout      Category = "strong_breakout"
	CategoryAccumulation        Category = "accumulation"
	CategoryDistributionWarning Category = "distribution_warning"
	CategoryShortConfirmation   Category = "short_confirmation"
	CategoryTopDivergence       Category = "top_divergence"
)

// Epsilon is the smallest reference magnitude a percent change is computed against.
const Epsilon = 1e-9

// Categories lists every emitting category in rule priority order.
func Categories() []Category {
	return []Category{
		CategoryStrongBreakout,
		CategoryAccumulation,
		CategoryDistributionWarning,
		CategoryShortConfirmation,
		CategoryTopDivergence,
	}
}

// Thresholds holds the tunable limits of the rule table, all in percent
// except the divergence ratios.
type Thresholds struct {
	BreakoutCVDPct   float64
	BreakoutPricePct float64
	BreakoutOIPct    float64

	AccumulationCVDPct      float64
	AccumulationMaxPricePct float64
	AccumulationMinOIPct    float64

	DistributionCVDPct   float64
	DistributionPricePct float64
	DistributionOIPct    float64

	ShortCVDPct   float64
	ShortPricePct float64
	ShortOIPct    float64

	DivergencePriceRatio float64
	DivergenceCVDRatio   float64
}

// DefaultThresholds returns the production rule set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BreakoutCVDPct:   8,
		BreakoutPricePct: 3,
		BreakoutOIPct:    3,

		AccumulationCVDPct:      10,
		AccumulationMaxPricePct: 1,
		AccumulationMinOIPct:    0,

		DistributionCVDPct:   -3,
		DistributionPricePct: 1,
		DistributionOIPct:    -1,

		ShortCVDPct:   -5,
		ShortPricePct: -2,
		ShortOIPct:    2,

		DivergencePriceRatio: 0.999,
		DivergenceCVDRatio:   0.92,
	}
}

// Changes are the percentage deltas between the latest and reference snapshot.
type Changes struct {
	PricePct float64
	CVDPct   float64
	OIPct    float64
}

// Input is everything a rule predicate may look at.
type Input struct {
	Changes
	Price    decimal.Decimal
	CVD      decimal.Decimal
	MaxPrice decimal.Decimal
	MaxCVD   decimal.Decimal
}

type rule struct {
	category Category
	match    func(in Input, t Thresholds) bool
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{CategoryStrongBreakout, func(in Input, t Thresholds) bool {
		return in.CVDPct >= t.BreakoutCVDPct && in.PricePct >= t.BreakoutPricePct && in.OIPct >= t.BreakoutOIPct
	}},
	{CategoryAccumulation, func(in Input, t Thresholds) bool {
		return in.CVDPct >= t.AccumulationCVDPct && math.Abs(in.PricePct) <= t.AccumulationMaxPricePct && in.OIPct >= t.AccumulationMinOIPct
	}},
	{CategoryDistributionWarning, func(in Input, t Thresholds) bool {
		return in.CVDPct <= t.DistributionCVDPct && in.PricePct >= t.DistributionPricePct && in.OIPct <= t.DistributionOIPct
	}},
	{CategoryShortConfirmation, func(in Input, t Thresholds) bool {
		return in.CVDPct <= t.ShortCVDPct && in.PricePct <= t.ShortPricePct && in.OIPct >= t.ShortOIPct
	}},
	{CategoryTopDivergence, topDivergence},
}

// topDivergence fires when price sits at its window high while CVD lags its own
// high. Compared in decimal so the ratio boundaries stay exact.
func topDivergence(in Input, t Thresholds) bool {
	if !in.MaxCVD.IsPositive() || !in.MaxPrice.IsPositive() {
		return false
	}
	priceFloor := in.MaxPrice.Mul(decimal.NewFromFloat(t.DivergencePriceRatio))
	cvdCeiling := in.MaxCVD.Mul(decimal.NewFromFloat(t.DivergenceCVDRatio))
	return in.Price.GreaterThanOrEqual(priceFloor) && in.CVD.LessThan(cvdCeiling)
}

func matchRules(in Input, t Thresholds) Category {
	for _, r := range rules {
		if r.match(in, t) {
			return r.category
		}
	}
	return CategoryNone
}

// SafePercentChange returns (current-reference)/|reference|*100, or 0 when the
// reference is non-finite or within Epsilon of zero.
func SafePercentChange(current, reference float64) float64 {
	if math.IsNaN(reference) || math.IsInf(reference, 0) || math.Abs(reference) < Epsilon {
		return 0
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		return 0
	}
	return (current - reference) * 100 / math.Abs(reference)
}

func safeDecimalChange(current, reference decimal.Decimal) float64 {
	return SafePercentChange(current.InexactFloat64(), reference.InexactFloat64())
}

func safeNullChange(current, reference decimal.NullDecimal) float64 {
	if !current.Valid || !reference.Valid {
		return 0
	}
	return safeDecimalChange(current.Decimal, reference.Decimal)
}
