package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/storage"
)

// ListSymbols prints the symbol registry.
func (a *App) ListSymbols(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	symbols, err := store.ListSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		fmt.Fprintln(a.Out, "no symbols registered")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tName\tEnabled\tCreated (UTC)")
	for _, sym := range symbols {
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\n", sym.Code, sym.Name, sym.Enabled, sym.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

// AddSymbols registers codes as enabled symbols. An empty list adds app.symbols.
func (a *App) AddSymbols(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		codes = a.Config.App.Symbols
	}
	normalized := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if err := fetcher.ValidateSymbol(code); err != nil {
			return err
		}
		normalized = append(normalized, code)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, code := range normalized {
		if err := store.UpsertSymbol(ctx, storage.Symbol{Code: code, Name: code, Enabled: true}); err != nil {
			return err
		}
		a.Logger.Info().Str("symbol", code).Msg("symbol registered")
	}
	return nil
}

// SetSymbolEnabled toggles collection for one symbol.
func (a *App) SetSymbolEnabled(ctx context.Context, code string, enabled bool) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := fetcher.ValidateSymbol(code); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetSymbolEnabled(ctx, code, enabled); err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("symbol %s is not registered", code)
		}
		return err
	}
	a.Logger.Info().Str("symbol", code).Bool("enabled", enabled).Msg("symbol updated")
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	files, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		fmt.Fprintf(a.Out, "applied %s\n", file)
	}
	return nil
}
