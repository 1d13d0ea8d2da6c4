package cli

import (
	"github.com/spf13/cobra"

	"cvdwatcher/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect on every scheduler tick until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var collectDryRun bool

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect, classify and persist every enabled symbol once",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Collect(cmd.Context(), app.CollectOptions{DryRun: collectDryRun})
		return err
	},
}

func init() {
	collectCmd.Flags().BoolVar(&collectDryRun, "dry-run", false, "Keep snapshots in memory and use app.symbols as the registry")
}
