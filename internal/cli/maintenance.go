package cli

import (
	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
)

var digestDate string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete samples older than retention.keep_days",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cleanup(cmd.Context())
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the daily outlier digest for one date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Digest(cmd.Context(), app.DigestOptions{Date: digestDate})
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestDate, "date", "", "Civil date YYYY-MM-DD (defaults to yesterday in digest.timezone)")
}
