package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trendmill/trendmill/config"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/logger"
)

// ScrapeCmd runs scrape cycles without the daemon. Signals are persisted but
// not published, since no broker consumers are running.
var ScrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run a scrape cycle from the command line",
	Long: `Run one scrape-and-aggregate cycle and print the ranked signals.

With --watch, keeps running a cycle every scraper interval until interrupted.

Examples:
  trendmill scrape          # One cycle
  trendmill scrape --watch  # Cycle every scraper.interval_hours hours`,
	RunE: runScrape,
}

var scrapeWatchFlag bool

func init() {
	ScrapeCmd.Flags().BoolVar(&scrapeWatchFlag, "watch", false, "Keep scraping at the configured interval")
}

func runScrape(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	log := logger.Named("scrape")

	database, err := openDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	coordinator, err := buildCoordinator(cfg, database, nil, log)
	if err != nil {
		return err
	}

	cycle := func() error {
		signals, err := coordinator.Refresh(cmd.Context())
		if err != nil {
			return err
		}

		if len(signals) == 0 {
			fmt.Println("No signals collected this cycle")
			return nil
		}

		fmt.Printf("Collected %d signals:\n", len(signals))
		for _, sig := range signals {
			fmt.Printf("  %-10s %-10s %6d  %s\n", sig.Source, sig.Category, sig.EngagementScore, sig.Keyword)
		}
		return nil
	}

	if err := cycle(); err != nil {
		return err
	}
	if !scrapeWatchFlag {
		return nil
	}

	interval := time.Duration(cfg.Scraper.IntervalHours) * time.Hour
	log.Infow("Watching", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			if err := cycle(); err != nil {
				log.Errorw("Scrape cycle failed", "error", err)
			}
		}
	}
}
