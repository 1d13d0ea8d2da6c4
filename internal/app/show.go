package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/service"
)

// Show prints the newest snapshots of one symbol.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if err := fetcher.ValidateSymbol(opts.Symbol); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snapshots, err := store.RecentSnapshots(ctx, opts.Symbol, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tCVD\tOI Contracts\tOI Value")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			snap.Bucket.UTC().Format(time.RFC3339),
			snap.Price.String(),
			formatDecimal(snap.CVD, 3),
			orDash(nullDecimalString(snap.OIContracts)),
			orDash(nullDecimalString(snap.OIValue)),
		)
	}

	return writer.Flush()
}

// Alerts prints the newest alerts, optionally for one symbol.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	if opts.Symbol != "" {
		if err := fetcher.ValidateSymbol(opts.Symbol); err != nil {
			return err
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, opts.Symbol, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tSymbol\tCategory\tPrice%\tCVD%\tOI%\tSent\tDetail")

	for _, alert := range alerts {
		sent := "no"
		if alert.Dispatched != nil && *alert.Dispatched {
			sent = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.Category,
			alert.PriceChangePct,
			alert.CVDChangePct,
			alert.OIChangePct,
			sent,
			sanitizeInline(alert.Detail),
		)
	}

	return writer.Flush()
}

func (a *App) printSummary(summary service.RunSummary) {
	fmt.Fprintf(a.Out, "run %s: symbols=%d succeeded=%d failed=%d snapshots=%d alerts=%d\n",
		summary.RunID, summary.Symbols, summary.Succeeded, summary.Failed, summary.Snapshots, summary.Alerts)
	if summary.LockHeld {
		fmt.Fprintln(a.Out, "skipped: another collector holds the advisory lock")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tWritten\tCategory\tWhale\tError")
	for _, out := range summary.Outcomes {
		errMsg := ""
		if out.Err != nil {
			errMsg = sanitizeInline(out.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\n", out.Symbol, out.Sync.Written, out.Category, out.Whale.Type, errMsg)
	}
	_ = writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
