package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cvdwatcher/internal/app"
)

var (
	backfillFrom    string
	backfillSymbols []string
	backfillDryRun  bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Rebuild snapshot history before the earliest stored bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" {
			return fmt.Errorf("--from must be provided")
		}

		from, err := parseSince(backfillFrom, time.Now().UTC())
		if err != nil {
			return err
		}

		opts := app.BackfillOptions{
			Symbols: upperAll(backfillSymbols),
			From:    from,
			DryRun:  backfillDryRun,
		}

		_, err = getApp().Backfill(cmd.Context(), opts)
		return err
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start as RFC3339 timestamp or look-back duration such as 48h")
	backfillCmd.Flags().StringSliceVar(&backfillSymbols, "symbol", nil, "Symbols to backfill (defaults to every enabled symbol)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run against an in-memory store seeded from app.symbols")
}

// parseSince accepts an RFC3339 timestamp or a duration subtracted from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --from value %q: want RFC3339 or a positive duration", v)
	}
	return now.Add(-d), nil
}

func upperAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
