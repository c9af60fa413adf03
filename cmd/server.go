package cmd

import (
	"github.com/carebridge/chartlink/internal/logger"
	"github.com/carebridge/chartlink/server"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"start"},
	Short:   "Start the chartlink server",
	Run: func(_ *cobra.Command, _ []string) {
		if err := server.Start(cfg); err != nil {
			logger.Error("Server exited", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
