package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
)

var (
	outliersTable    string
	outliersDate     string
	outliersTimezone string
	statsTable       string
)

var outliersCmd = &cobra.Command{
	Use:   "outliers",
	Short: "Print the lowest and highest rate of a civil day",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outliersDate == "" {
			return fmt.Errorf("--date must be provided (YYYY-MM-DD)")
		}
		return getApp().Outliers(cmd.Context(), app.OutliersOptions{
			Table:    outliersTable,
			Date:     outliersDate,
			Timezone: outliersTimezone,
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print update counts and aggregates for a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), statsTable)
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List queryable sample tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tables(cmd.Context())
	},
}

func init() {
	outliersCmd.Flags().StringVar(&outliersTable, "table", "", "Sample table (defaults to tables.default)")
	outliersCmd.Flags().StringVar(&outliersDate, "date", "", "Civil date YYYY-MM-DD")
	outliersCmd.Flags().StringVar(&outliersTimezone, "timezone", "", "IANA timezone (defaults to outliers.default_timezone)")

	statsCmd.Flags().StringVar(&statsTable, "table", "", "Sample table (defaults to tables.default)")
}
