package trends

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/breaker"
	"github.com/trendmill/trendmill/broker"
)

// Publisher is the slice of the event broker the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, stream string, fields map[string]string) (int64, error)
}

// Coordinator runs one scrape per configured source concurrently, gates each
// attempt through that source's circuit breaker, and funnels the surviving
// top-K signals into the store and onto the trend_signals stream.
type Coordinator struct {
	mu        sync.RWMutex
	registry  *Registry
	extractor Extractor
	breaker   *breaker.CircuitBreaker
	store     *TrendStore
	publisher Publisher
	logger    *zap.SugaredLogger

	topK    int
	timeout time.Duration
	now     func() time.Time

	// onSignals, when set, receives each cycle's persisted signals. Used by
	// the live websocket feed.
	onSignals func([]RawSignal)
}

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	TopK    int           // signals kept per source (default 5)
	Timeout time.Duration // per-source scrape budget (default 15s)
}

// NewCoordinator wires a coordinator. publisher may be nil when running
// without a broker (the scrape CLI command).
func NewCoordinator(
	registry *Registry,
	extractor Extractor,
	cb *breaker.CircuitBreaker,
	store *TrendStore,
	publisher Publisher,
	cfg CoordinatorConfig,
	logger *zap.SugaredLogger,
) *Coordinator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Coordinator{
		registry:  registry,
		extractor: extractor,
		breaker:   cb,
		store:     store,
		publisher: publisher,
		logger:    logger,
		topK:      cfg.TopK,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// OnSignals registers a callback invoked with each cycle's persisted signals.
// Safe to call while scheduled refreshes are running.
func (c *Coordinator) OnSignals(fn func([]RawSignal)) {
	c.mu.Lock()
	c.onSignals = fn
	c.mu.Unlock()
}

// UpdateRegistry swaps the source registry, used when the sources file is
// hot-reloaded. In-flight cycles keep the registry they started with.
func (c *Coordinator) UpdateRegistry(registry *Registry) {
	c.mu.Lock()
	c.registry = registry
	c.mu.Unlock()
	c.logger.Infow("Source registry updated", "sources", registry.Names())
}

func (c *Coordinator) currentRegistry() *Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// Status reports every configured source's circuit state.
func (c *Coordinator) Status() map[string]breaker.State {
	return c.breaker.Snapshot(c.currentRegistry().Names())
}

// Refresh runs one full scrape cycle: every allowed source concurrently,
// top-K per source, persist, publish. Per-source failures are recorded
// against that source's breaker and never fail the cycle; only persistence
// and publish errors propagate.
func (c *Coordinator) Refresh(ctx context.Context) ([]RawSignal, error) {
	sources := c.currentRegistry().All()

	var wg sync.WaitGroup
	results := make([][]RawSignal, len(sources))
	for i, src := range sources {
		if !c.breaker.Allow(src.Name) {
			c.logger.Infow("Skipping source, circuit not closed",
				"source", src.Name,
				"state", c.breaker.State(src.Name))
			continue
		}

		wg.Add(1)
		go func(i int, src SourceConfig) {
			defer wg.Done()
			results[i] = c.scrapeSource(ctx, src)
		}(i, src)
	}
	wg.Wait()

	var cycle []RawSignal
	for _, signals := range results {
		cycle = append(cycle, signals...)
	}
	if len(cycle) == 0 {
		c.logger.Infow("Scrape cycle produced no signals")
		return nil, nil
	}

	if err := c.store.Append(ctx, cycle); err != nil {
		return nil, err
	}

	if c.publisher != nil {
		if err := c.publishSignals(ctx, cycle); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	onSignals := c.onSignals
	c.mu.RUnlock()
	if onSignals != nil {
		onSignals(cycle)
	}

	c.logger.Infow("Scrape cycle complete", "signals", len(cycle))
	return cycle, nil
}

// scrapeSource runs one breaker-tracked scrape attempt and returns the
// source's top-K signals, or nil on failure.
func (c *Coordinator) scrapeSource(ctx context.Context, src SourceConfig) []RawSignal {
	scrapeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	items, err := c.extractor.Scrape(scrapeCtx, src)
	if err != nil {
		c.breaker.RecordFailure(src.Name)
		c.logger.Warnw("Scrape failed",
			"source", src.Name,
			"state", c.breaker.State(src.Name),
			"error", err)
		return nil
	}
	c.breaker.RecordSuccess(src.Name)

	capturedAt := c.now().UTC()
	var signals []RawSignal
	for _, item := range items {
		parts := append([]string{item.Title}, item.Hashtags...)
		keyword := NormalizeText(joinNonEmpty(parts))
		if keyword == "" {
			continue
		}
		signals = append(signals, RawSignal{
			Source:  src.Name,
			Keyword: keyword,
			EngagementScore: Engagement(
				ParseMetric(item.Likes),
				ParseMetric(item.Shares),
				ParseMetric(item.Comments),
			),
			Category:   Categorize(keyword),
			CapturedAt: capturedAt,
		})
	}

	return TopK(signals, c.topK)
}

// publishSignals puts each signal on the trend_signals stream with a fresh
// correlation id that downstream stages carry through every republish.
func (c *Coordinator) publishSignals(ctx context.Context, signals []RawSignal) error {
	for _, sig := range signals {
		fields := map[string]string{
			"correlation_id":   uuid.NewString(),
			"source":           sig.Source,
			"keyword":          sig.Keyword,
			"category":         sig.Category,
			"engagement_score": strconv.Itoa(sig.EngagementScore),
			"captured_at":      sig.CapturedAt.Format(time.RFC3339),
		}
		if _, err := c.publisher.Publish(ctx, broker.StreamTrendSignals, fields); err != nil {
			return err
		}
	}
	return nil
}

func joinNonEmpty(parts []string) string {
	joined := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if joined != "" {
			joined += " "
		}
		joined += p
	}
	return joined
}
