package storage

import (
	"context"
	"time"
)

// SnapshotStore is the ordered, upsert-capable snapshot store.
type SnapshotStore interface {
	// UpsertSnapshots writes rows keyed on (symbol, bucket); rewriting a key replaces it.
	UpsertSnapshots(ctx context.Context, snapshots []Snapshot) error
	// LatestSnapshot returns ErrNotFound when the symbol has no rows.
	LatestSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	// EarliestSnapshot returns ErrNotFound when the symbol has no rows.
	EarliestSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	// RecentSnapshots returns up to limit rows, newest first.
	RecentSnapshots(ctx context.Context, symbol string, limit int) ([]Snapshot, error)
	// SnapshotsBetween returns rows in [from, to), oldest first.
	SnapshotsBetween(ctx context.Context, symbol string, from, to time.Time) ([]Snapshot, error)
}

// AlertStore is the append-only alert sink.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	RecentAlertExists(ctx context.Context, symbol, category string, since time.Time) (bool, error)
	ListPendingAlerts(ctx context.Context, limit int) ([]Alert, error)
	MarkAlertDispatched(ctx context.Context, id int64) error
	// ListRecentAlerts lists newest alerts; an empty symbol lists all symbols.
	ListRecentAlerts(ctx context.Context, symbol string, limit int) ([]Alert, error)
}

// SymbolRegistry exposes the symbols taking part in collection.
type SymbolRegistry interface {
	EnabledSymbols(ctx context.Context) ([]Symbol, error)
}

// SymbolAdmin maintains registry rows from the CLI.
type SymbolAdmin interface {
	SymbolRegistry
	UpsertSymbol(ctx context.Context, symbol Symbol) error
	SetSymbolEnabled(ctx context.Context, code string, enabled bool) error
	ListSymbols(ctx context.Context) ([]Symbol, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
