package cli

import (
	"github.com/spf13/cobra"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Maintain the symbol registry",
}

var symbolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered symbols",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListSymbols(cmd.Context())
	},
}

var symbolsAddCmd = &cobra.Command{
	Use:   "add [SYMBOL...]",
	Short: "Register symbols as enabled (defaults to app.symbols)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddSymbols(cmd.Context(), args)
	},
}

var symbolsEnableCmd = &cobra.Command{
	Use:   "enable SYMBOL",
	Short: "Resume collection for a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetSymbolEnabled(cmd.Context(), args[0], true)
	},
}

var symbolsDisableCmd = &cobra.Command{
	Use:   "disable SYMBOL",
	Short: "Stop collecting a symbol without deleting its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetSymbolEnabled(cmd.Context(), args[0], false)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	symbolsCmd.AddCommand(symbolsListCmd, symbolsAddCmd, symbolsEnableCmd, symbolsDisableCmd)
}
