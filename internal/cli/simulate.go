package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
)

var (
	simulateTable   string
	simulateDate    string
	simulateLow     string
	simulateHigh    string
	simulateSession string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-digest",
	Short: "Send a synthetic daily digest through the configured notifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		low, err := decimal.NewFromString(simulateLow)
		if err != nil {
			return errors.New("--low must be a decimal number")
		}
		high, err := decimal.NewFromString(simulateHigh)
		if err != nil {
			return errors.New("--high must be a decimal number")
		}

		return getApp().SimulateDigest(cmd.Context(), app.SimulateOptions{
			Table:   simulateTable,
			Date:    simulateDate,
			Low:     low,
			High:    high,
			Session: simulateSession,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTable, "table", "", "Table name shown in the message")
	simulateCmd.Flags().StringVar(&simulateDate, "date", "", "Civil date YYYY-MM-DD (defaults to yesterday)")
	simulateCmd.Flags().StringVar(&simulateLow, "low", "", "Lowest composite rate of the day")
	simulateCmd.Flags().StringVar(&simulateHigh, "high", "", "Highest composite rate of the day")
	simulateCmd.Flags().StringVar(&simulateSession, "session", "", "Active session label")
}
