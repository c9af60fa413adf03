package cmd

import (
	"os"

	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/internal/logger"
	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "chartlink",
	Short: "chartlink CLI",
	Long:  `chartlink — SMART-on-FHIR patient data gateway`,
}

func Execute(c *config.Config) {
	cfg = c
	logger.Info("Starting CLI", "env", cfg.AppEnv)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
