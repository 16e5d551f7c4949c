package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "invest-core",
	Short: "Automated stop-loss / take-profit trading client for the Tinkoff Invest API",
	Long: `invest-core streams market data for the configured instruments, runs one
stop-loss / take-profit strategy per instrument and places limit orders
through the broker REST API (or an in-memory dry-run broker).

Runtime settings come from the environment (or a .env file); strategies
come from a YAML file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
