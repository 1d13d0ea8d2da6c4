// Package memory is a process-local implementation of the storage interfaces,
// used by dry runs and unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cvdwatcher/internal/storage"
)

type snapshotKey struct {
	symbol string
	bucket int64
}

// Store keeps snapshots, alerts and symbols in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	snapshots map[snapshotKey]storage.Snapshot
	alerts    []storage.Alert
	symbols   map[string]storage.Symbol
	nextID    int64
	now       func() time.Time

	// UpsertErr, when set, is returned by UpsertSnapshots without writing.
	UpsertErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		snapshots: make(map[snapshotKey]storage.Snapshot),
		symbols:   make(map[string]storage.Symbol),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for UpdatedAt and CreatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) UpsertSnapshots(_ context.Context, snapshots []storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	for _, snap := range snapshots {
		snap.Bucket = snap.Bucket.UTC()
		snap.UpdatedAt = s.now()
		s.snapshots[snapshotKey{symbol: snap.Symbol, bucket: snap.Bucket.UnixMilli()}] = snap
	}
	return nil
}

// sorted returns the symbol's snapshots oldest first. Caller holds mu.
func (s *Store) sorted(symbol string) []storage.Snapshot {
	out := make([]storage.Snapshot, 0)
	for key, snap := range s.snapshots {
		if key.symbol == symbol {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}

func (s *Store) LatestSnapshot(_ context.Context, symbol string) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(symbol)
	if len(rows) == 0 {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (s *Store) EarliestSnapshot(_ context.Context, symbol string) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(symbol)
	if len(rows) == 0 {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) RecentSnapshots(_ context.Context, symbol string, limit int) ([]storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(symbol)
	out := make([]storage.Snapshot, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *Store) SnapshotsBetween(_ context.Context, symbol string, from, to time.Time) ([]storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Snapshot, 0)
	for _, snap := range s.sorted(symbol) {
		if !snap.Bucket.Before(from) && snap.Bucket.Before(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *Store) InsertAlert(_ context.Context, alert storage.Alert) (storage.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	alert.ID = s.nextID
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts = append(s.alerts, alert)
	return alert, nil
}

func (s *Store) RecentAlertExists(_ context.Context, symbol, category string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Symbol == symbol && a.Category == category && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListPendingAlerts(_ context.Context, limit int) ([]storage.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Alert, 0)
	for _, a := range s.alerts {
		if a.Dispatched == nil && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) MarkAlertDispatched(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			sent := true
			s.alerts[i].Dispatched = &sent
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) ListRecentAlerts(_ context.Context, symbol string, limit int) ([]storage.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Alert, 0)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || s.alerts[i].Symbol == symbol {
			out = append(out, s.alerts[i])
		}
	}
	return out, nil
}

// Alerts returns a copy of every stored alert in insertion order.
func (s *Store) Alerts() []storage.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Alert(nil), s.alerts...)
}

func (s *Store) EnabledSymbols(_ context.Context) ([]storage.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Symbol, 0)
	for _, sym := range s.sortedSymbols() {
		if sym.Enabled {
			out = append(out, sym)
		}
	}
	return out, nil
}

func (s *Store) ListSymbols(_ context.Context) ([]storage.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedSymbols(), nil
}

func (s *Store) UpsertSymbol(_ context.Context, symbol storage.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.symbols[symbol.Code]; ok {
		symbol.CreatedAt = existing.CreatedAt
	} else if symbol.CreatedAt.IsZero() {
		symbol.CreatedAt = s.now()
	}
	s.symbols[symbol.Code] = symbol
	return nil
}

func (s *Store) SetSymbolEnabled(_ context.Context, code string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbols[code]
	if !ok {
		return storage.ErrNotFound
	}
	sym.Enabled = enabled
	s.symbols[code] = sym
	return nil
}

func (s *Store) sortedSymbols() []storage.Symbol {
	out := make([]storage.Symbol, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// TryAdvisoryLock always succeeds; a single process owns the map.
func (s *Store) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	return func() {}, true, nil
}

var (
	_ storage.SnapshotStore  = (*Store)(nil)
	_ storage.AlertStore     = (*Store)(nil)
	_ storage.SymbolAdmin    = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)
