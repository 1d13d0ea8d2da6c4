package classifier

import (
	"context"
	"errors"
	"time"

	"cvdwatcher/internal/storage"
)

// CooldownGate decides whether a (symbol, category) alert may be emitted at a time.
// Release hands back a slot granted by Allow when the alert was never persisted.
type CooldownGate interface {
	Allow(ctx context.Context, symbol, category string, at time.Time) (bool, error)
	Release(ctx context.Context, symbol, category string) error
}

// StoreGate consults the alert store for a same-category alert inside the window.
type StoreGate struct {
	alerts   storage.AlertStore
	cooldown time.Duration
}

// NewStoreGate builds a gate over the alert store.
func NewStoreGate(alerts storage.AlertStore, cooldown time.Duration) *StoreGate {
	return &StoreGate{alerts: alerts, cooldown: cooldown}
}

func (g *StoreGate) Allow(ctx context.Context, symbol, category string, at time.Time) (bool, error) {
	exists, err := g.alerts.RecentAlertExists(ctx, symbol, category, at.Add(-g.cooldown))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// Release is a no-op: the store gate holds nothing beyond the alert rows.
func (g *StoreGate) Release(context.Context, string, string) error {
	return nil
}

// ChainGate allows only when every gate allows, asking them in order and
// stopping at the first refusal. Slots already granted by earlier gates are
// released when a later gate refuses or fails.
type ChainGate []CooldownGate

func (c ChainGate) Allow(ctx context.Context, symbol, category string, at time.Time) (bool, error) {
	for i, g := range c {
		if g == nil {
			continue
		}
		ok, err := g.Allow(ctx, symbol, category, at)
		if err != nil || !ok {
			if relErr := c[:i].Release(ctx, symbol, category); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return false, err
		}
	}
	return true, nil
}

// Release releases every gate and joins their errors.
func (c ChainGate) Release(ctx context.Context, symbol, category string) error {
	var errs []error
	for _, g := range c {
		if g == nil {
			continue
		}
		if err := g.Release(ctx, symbol, category); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ CooldownGate = (*StoreGate)(nil)
	_ CooldownGate = ChainGate(nil)
)
