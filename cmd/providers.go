package cmd

import (
	"fmt"

	"github.com/carebridge/chartlink/pkg/smart/provider"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the registered clinical record providers",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, d := range provider.Default().List() {
			pkce := "no"
			if d.OAuth.UsesPKCE {
				pkce = "yes"
			}
			refresh := "no"
			if d.Capabilities.SupportsRefresh {
				refresh = "yes"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-28s pkce=%-4s refresh=%-4s %s\n",
				d.ID, d.Name, pkce, refresh, d.ResourceBaseURL)
		}
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
