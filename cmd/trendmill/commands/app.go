// Package commands implements the trendmill CLI subcommands.
package commands

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/trendmill/trendmill/breaker"
	"github.com/trendmill/trendmill/broker"
	"github.com/trendmill/trendmill/config"
	"github.com/trendmill/trendmill/db"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/internal/httpclient"
	"github.com/trendmill/trendmill/trends"
)

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *config.Config, logger *zap.SugaredLogger) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Migrate(database, logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return database, nil
}

// buildRegistry combines the built-in platform registry with the configured
// sources file, when one is set.
func buildRegistry(cfg *config.Config) (*trends.Registry, error) {
	registry := trends.BuiltinRegistry()
	if cfg.Scraper.SourcesFile == "" {
		return registry, nil
	}

	overrides, err := trends.LoadSourcesFile(cfg.Scraper.SourcesFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load sources file")
	}
	return registry.Override(overrides), nil
}

// buildExtractor picks the stub or HTML extractor per configuration.
func buildExtractor(cfg *config.Config) trends.Extractor {
	if cfg.Scraper.Stub {
		return &trends.StubExtractor{}
	}
	client := httpclient.New(time.Duration(cfg.Scraper.TimeoutMillis) * time.Millisecond)
	return trends.NewHTMLExtractor(client, cfg.Scraper.RequestsPerMinute)
}

// buildCoordinator assembles the scrape coordinator. publisher may be nil for
// broker-less commands.
func buildCoordinator(cfg *config.Config, database *sql.DB, publisher trends.Publisher, logger *zap.SugaredLogger) (*trends.Coordinator, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, logger)

	return trends.NewCoordinator(
		registry,
		buildExtractor(cfg),
		cb,
		trends.NewTrendStore(database),
		publisher,
		trends.CoordinatorConfig{
			TopK:    cfg.Scraper.TopK,
			Timeout: time.Duration(cfg.Scraper.TimeoutMillis) * time.Millisecond,
		},
		logger,
	), nil
}

// buildBroker wires the event broker over an open database.
func buildBroker(cfg *config.Config, database *sql.DB, logger *zap.SugaredLogger) *broker.Broker {
	return broker.New(database, broker.Config{
		Block:        time.Duration(cfg.Broker.BlockMillis) * time.Millisecond,
		ClaimMinIdle: time.Duration(cfg.Broker.ClaimMinIdleSeconds) * time.Second,
		BackoffMax:   time.Duration(cfg.Broker.ConsumeBackoffMaxSeconds) * time.Second,
	}, logger)
}
