package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending alerts and mark them dispatched",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Dispatch(cmd.Context())
		return err
	},
}

var whaleSymbol string

var whaleCmd = &cobra.Command{
	Use:   "whale",
	Short: "Score the latest open-interest pattern of a symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Whale(cmd.Context(), strings.ToUpper(whaleSymbol))
		return err
	},
}

func init() {
	whaleCmd.Flags().StringVar(&whaleSymbol, "symbol", "", "Symbol to score")
	_ = whaleCmd.MarkFlagRequired("symbol")
}
