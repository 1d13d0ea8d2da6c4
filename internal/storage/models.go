package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is one tradable instrument in the registry.
type Symbol struct {
	Code      string
	Name      string
	Enabled   bool
	CreatedAt time.Time
}

// Snapshot is the persisted state of one symbol for one time bucket. CVD is the
// running cumulative value, not the bucket's own delta.
type Snapshot struct {
	Symbol      string
	Bucket      time.Time
	Price       decimal.Decimal
	CVD         decimal.Decimal
	OIContracts decimal.NullDecimal
	OIValue     decimal.NullDecimal
	UpdatedAt   time.Time
}

// Alert is an emitted classification. Dispatched is nil until the notification
// consumer delivers it.
type Alert struct {
	ID             int64
	Symbol         string
	Category       string
	Bucket         time.Time
	Price          decimal.Decimal
	CVD            decimal.Decimal
	PriceChangePct float64
	CVDChangePct   float64
	OIChangePct    float64
	Detail         string
	Dispatched     *bool
	CreatedAt      time.Time
}
