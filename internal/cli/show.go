package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cvdwatcher/internal/app"
)

var (
	showSymbol   string
	showLimit    int
	alertsSymbol string
	alertsLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots of a symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Symbol: strings.ToUpper(showSymbol),
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Alerts(cmd.Context(), app.AlertsOptions{
			Symbol: strings.ToUpper(alertsSymbol),
			Limit:  alertsLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Symbol to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
	_ = showCmd.MarkFlagRequired("symbol")

	alertsCmd.Flags().StringVar(&alertsSymbol, "symbol", "", "Only alerts for this symbol")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
