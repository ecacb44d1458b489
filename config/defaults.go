package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "trendmill.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Broker defaults
	v.SetDefault("broker.block_millis", 1000)
	v.SetDefault("broker.claim_min_idle_seconds", 300)
	v.SetDefault("broker.consume_backoff_max_seconds", 30)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.recovery_timeout_seconds", 300)
	v.SetDefault("breaker.half_open_max_calls", 1)

	// Scraper defaults
	v.SetDefault("scraper.interval_hours", 6)
	v.SetDefault("scraper.top_k", 5)
	v.SetDefault("scraper.timeout_millis", 15000)
	v.SetDefault("scraper.requests_per_minute", 10) // polite pacing per source
	v.SetDefault("scraper.stub", false)

	// Pipeline defaults
	v.SetDefault("pipeline.ideation_url", "http://ideation:8002")
	v.SetDefault("pipeline.image_url", "http://image-gen:8003")
	v.SetDefault("pipeline.product_url", "http://integration:8004")
	v.SetDefault("pipeline.listing_url", "http://integration:8004")
	v.SetDefault("pipeline.notifications_url", "http://notifications:8005")
	v.SetDefault("pipeline.stage_timeout_seconds", 30)
	v.SetDefault("pipeline.trend_interval_seconds", 3600)
	v.SetDefault("pipeline.restock_interval_seconds", 86400)
	v.SetDefault("pipeline.cleanup_interval_seconds", 86400)
}
