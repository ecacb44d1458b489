package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/trendmill/trendmill/config"
	"github.com/trendmill/trendmill/db"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/logger"
)

// DbCmd groups database management subcommands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the trendmill database",
	Long: `Manage the trendmill database.

Examples:
  trendmill db migrate   # Apply pending schema migrations
  trendmill db stats     # Show row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg, logger.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database migrated: %s\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg, nil)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := db.Stats(database)
	if err != nil {
		return errors.Wrap(err, "failed to collect database statistics")
	}

	fmt.Println("Database statistics:")
	fmt.Printf("  path: %s\n", cfg.Database.Path)
	tables := make([]string, 0, len(stats))
	for table := range stats {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("  %-18s %d rows\n", table, stats[table])
	}
	return nil
}
