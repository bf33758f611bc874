package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
)

var (
	showTable string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent composite-rate samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Table: showTable,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTable, "table", "", "Sample table (defaults to tables.default)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
