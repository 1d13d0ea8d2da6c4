package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	upsertSymbolSQL = `INSERT INTO symbols (code, name, enabled)
    VALUES ($1, $2, $3)
    ON CONFLICT (code) DO UPDATE
    SET name    = EXCLUDED.name,
        enabled = EXCLUDED.enabled;`

	setSymbolEnabledSQL = `UPDATE symbols SET enabled = $2 WHERE code = $1;`

	listSymbolsSQL = `SELECT code, name, enabled, created_at
    FROM symbols
    ORDER BY code;`

	enabledSymbolsSQL = `SELECT code, name, enabled, created_at
    FROM symbols
    WHERE enabled
    ORDER BY code;`
)

// EnabledSymbols lists the symbols that participate in collection.
func (s *Store) EnabledSymbols(ctx context.Context) ([]Symbol, error) {
	return s.querySymbols(ctx, enabledSymbolsSQL)
}

// ListSymbols lists every registered symbol, enabled or not.
func (s *Store) ListSymbols(ctx context.Context) ([]Symbol, error) {
	return s.querySymbols(ctx, listSymbolsSQL)
}

// UpsertSymbol registers or renames a symbol.
func (s *Store) UpsertSymbol(ctx context.Context, symbol Symbol) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertSymbolSQL, symbol.Code, symbol.Name, symbol.Enabled); err != nil {
		return fmt.Errorf("upsert symbol: %w", err)
	}
	return nil
}

// SetSymbolEnabled toggles collection for a symbol. Symbols are never deleted so
// their snapshots stay addressable.
func (s *Store) SetSymbolEnabled(ctx context.Context, code string, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setSymbolEnabledSQL, code, enabled)
	if err != nil {
		return fmt.Errorf("set symbol enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) querySymbols(ctx context.Context, query string) ([]Symbol, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Symbol, error) {
		var sym Symbol
		err := row.Scan(&sym.Code, &sym.Name, &sym.Enabled, &sym.CreatedAt)
		return sym, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan symbols: %w", err)
	}
	return symbols, nil
}
