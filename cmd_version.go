package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultVersion = "v0.1.0-dev"

// buildVersion prefers APP_VERSION so container images can stamp it.
func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return defaultVersion
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "invest-core %s\n", buildVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
