package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jasperdg/session-change-monitoring/internal/app"
	"github.com/jasperdg/session-change-monitoring/internal/config"
	"github.com/jasperdg/session-change-monitoring/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "scm",
	Short: "Record composite exchange rates and explore session changes",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || !needsApp(cmd) {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(outliersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

// needsApp is false for commands that never touch configuration.
func needsApp(cmd *cobra.Command) bool {
	return cmd.Annotations["standalone"] != "true"
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
