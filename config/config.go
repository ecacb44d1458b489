// Package config manages trendmill configuration via Viper.
//
// Configuration is merged from a TOML file (trendmill.toml, searched upward
// from the working directory), TRENDMILL_-prefixed environment variables, and
// built-in defaults.
package config

// Config represents the core trendmill configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the trendmill HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BrokerConfig configures the durable event stream broker
type BrokerConfig struct {
	// How long Consume blocks waiting for a new entry before re-polling
	BlockMillis int `mapstructure:"block_millis"`
	// Pending entries idle longer than this are reclaimable by other consumers
	ClaimMinIdleSeconds int `mapstructure:"claim_min_idle_seconds"`
	// Upper bound for the consumer-loop error backoff
	ConsumeBackoffMaxSeconds int `mapstructure:"consume_backoff_max_seconds"`
}

// BreakerConfig configures the per-platform circuit breakers
type BreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`        // consecutive failures before opening (default: 3)
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"` // cooldown before half-open probing (default: 300)
	HalfOpenMaxCalls       int `mapstructure:"half_open_max_calls"`      // concurrent probes while half-open (default: 1)
}

// ScraperConfig configures the trend scrape coordinator
type ScraperConfig struct {
	IntervalHours     int    `mapstructure:"interval_hours"`      // scheduled refresh interval (default: 6)
	TopK              int    `mapstructure:"top_k"`               // signals kept per source per cycle (default: 5)
	TimeoutMillis     int    `mapstructure:"timeout_millis"`      // per-attempt scrape timeout (default: 15000)
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // politeness limit per source
	Stub              bool   `mapstructure:"stub"`                // serve stub items instead of fetching
	SourcesFile       string `mapstructure:"sources_file"`        // optional TOML file overriding the built-in registry
}

// PipelineConfig configures the stage orchestrator and its collaborators
type PipelineConfig struct {
	IdeationURL      string `mapstructure:"ideation_url"`
	ImageURL         string `mapstructure:"image_url"`
	ProductURL       string `mapstructure:"product_url"`
	ListingURL       string `mapstructure:"listing_url"`
	NotificationsURL string `mapstructure:"notifications_url"`

	StageTimeoutSeconds    int `mapstructure:"stage_timeout_seconds"`    // per collaborator call (default: 30)
	TrendIntervalSeconds   int `mapstructure:"trend_interval_seconds"`   // scheduled trend trigger (default: 3600)
	RestockIntervalSeconds int `mapstructure:"restock_interval_seconds"` // restock check (default: 86400)
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"` // expired listing cleanup (default: 86400)
}

// DefaultServerPort is the development port for the trendmill API server.
const DefaultServerPort = 8710
