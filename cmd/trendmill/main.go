package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trendmill/trendmill/cmd/trendmill/commands"
	"github.com/trendmill/trendmill/logger"
)

var rootCmd = &cobra.Command{
	Use:   "trendmill",
	Short: "Trendmill - event-driven trend automation pipeline",
	Long: `Trendmill - event-driven pipeline for e-commerce trend automation.

Scrapes trend signals from social and marketplace platforms, ranks them, and
moves them through staged processors (ideation, image generation, product
creation, listing publication) over a durable event broker. Each scraped
platform is guarded by an independent circuit breaker.

Available commands:
  serve   - Start the pipeline daemon and API server
  scrape  - Run one scrape cycle from the command line
  status  - Show scraper circuit states and pending pipeline entries
  db      - Manage the trendmill database
  version - Show version information

Examples:
  trendmill serve              # Start the daemon
  trendmill scrape             # One scrape cycle, print ranked signals
  trendmill status             # Query a running daemon
  trendmill db stats           # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ScrapeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
