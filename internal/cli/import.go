package cli

import (
	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
)

var (
	importTable  string
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import newline-delimited composite-rate payloads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ImportOptions{
			Table:  importTable,
			Path:   args[0],
			DryRun: importDryRun,
		}
		return getApp().Import(cmd.Context(), opts)
	},
}

func init() {
	importCmd.Flags().StringVar(&importTable, "table", "", "Target table (defaults to tables.default)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate lines without writing to storage")
}
