// Package broker provides a durable publish/consume event log with consumer
// groups and explicit acknowledgment, backed by SQLite.
//
// Semantics follow a Streams-style append log: within one stream, a consumer
// group delivers each entry to exactly one member in append order; entries
// stay pending until acknowledged, so delivery is at-least-once. Entries left
// pending by a crashed consumer are reclaimed after a configurable idle
// period.
package broker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trendmill/trendmill/errors"
)

// Pipeline stream names, in stage order.
const (
	StreamTrendSignals  = "trend_signals"
	StreamIdeasReady    = "ideas_ready"
	StreamImagesReady   = "images_ready"
	StreamProductsReady = "products_ready"
	StreamListingsReady = "listings_ready"
)

// Message is one entry delivered from a stream.
type Message struct {
	Stream string            `json:"stream"`
	ID     int64             `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Handler processes one delivered message. Returning an error leaves the
// entry unacknowledged for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Config tunes broker polling and reclaim behavior.
type Config struct {
	// Block is how long a consumer waits before re-polling when the stream
	// is caught up (default 1s).
	Block time.Duration
	// ClaimMinIdle is how long an unacknowledged delivery must sit idle
	// before another consumer may reclaim it (default 5m).
	ClaimMinIdle time.Duration
	// BackoffMax caps the consumer-loop error backoff (default 30s).
	BackoffMax time.Duration
}

// Broker publishes to and consumes from durable streams.
type Broker struct {
	store  *store
	logger *zap.SugaredLogger

	block        time.Duration
	claimMinIdle time.Duration
	backoffMax   time.Duration

	closed atomic.Bool
}

// New creates a broker over an already-opened (and migrated) database.
// The caller owns the database handle's lifetime.
func New(database *sql.DB, cfg Config, logger *zap.SugaredLogger) *Broker {
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 5 * time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Broker{
		store:        newStore(database),
		logger:       logger,
		block:        cfg.Block,
		claimMinIdle: cfg.ClaimMinIdle,
		backoffMax:   cfg.BackoffMax,
	}
}

// Publish appends a message to the named stream and returns its id once the
// append is durable. Safe for concurrent use.
func (b *Broker) Publish(ctx context.Context, stream string, fields map[string]string) (int64, error) {
	if b.closed.Load() {
		return 0, errors.ErrStreamClosed
	}

	id, err := b.store.append(ctx, stream, fields)
	if err != nil {
		return 0, errors.Wrapf(err, "publish to %s", stream)
	}

	b.logger.Debugw("Published message", "stream", stream, "id", id)
	return id, nil
}

// EnsureGroup creates a consumer group on a stream. Creating a group that
// already exists is not an error.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	return b.store.ensureGroup(ctx, stream, group)
}

// Ack acknowledges a delivered message, removing it from the pending set.
func (b *Broker) Ack(ctx context.Context, stream, group string, id int64) error {
	return b.store.ack(ctx, stream, group, id)
}

// Pending lists unacknowledged entries for a stream/group.
func (b *Broker) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	return b.store.pending(ctx, stream, group)
}

// PendingCounts returns unacknowledged entry counts keyed by "stream/group".
func (b *Broker) PendingCounts(ctx context.Context) (map[string]int, error) {
	return b.store.pendingCounts(ctx)
}

// ClaimStale reassigns entries pending longer than the configured idle
// period to the given consumer and returns them for reprocessing.
func (b *Broker) ClaimStale(ctx context.Context, stream, group, consumer string) ([]*Message, error) {
	return b.store.claimStale(ctx, stream, group, consumer, b.claimMinIdle, 16)
}

// Consume runs an indefinite delivery loop for one consumer in a group.
// The group is created if missing. Each delivered entry is passed to handler;
// the entry is acknowledged only after handler returns nil. Handler errors
// leave the entry pending for later reclaim. Storage errors are retried with
// exponential backoff. Returns when ctx is cancelled or the broker closes.
func (b *Broker) Consume(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if err := b.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}

	log := b.logger.With("stream", stream, "group", group, "consumer", consumer)
	log.Infow("Consumer started")

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			log.Infow("Consumer stopped")
			return err
		}
		if b.closed.Load() {
			log.Infow("Consumer stopped (broker closed)")
			return errors.ErrStreamClosed
		}

		msg, err := b.nextMessage(ctx, stream, group, consumer)
		if err != nil {
			if ctx.Err() != nil {
				log.Infow("Consumer stopped")
				return ctx.Err()
			}
			log.Errorw("Consumer poll failed, backing off", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, b.backoffMax)
			continue
		}
		backoff = time.Second

		if msg == nil {
			// Caught up; bounded wait avoids a busy spin when idle.
			if !sleepCtx(ctx, b.block) {
				log.Infow("Consumer stopped")
				return ctx.Err()
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			// At-least-once: the entry stays pending and is reclaimed
			// after the idle period.
			log.Warnw("Handler failed, entry left pending",
				"id", msg.ID,
				"error", err)
			continue
		}

		if err := b.Ack(ctx, stream, group, msg.ID); err != nil {
			log.Errorw("Failed to ack processed entry", "id", msg.ID, "error", err)
		}
	}
}

// nextMessage prefers reclaiming a stale pending entry over reading new ones,
// so work orphaned by a crashed consumer is not starved by fresh traffic.
func (b *Broker) nextMessage(ctx context.Context, stream, group, consumer string) (*Message, error) {
	claimed, err := b.store.claimStale(ctx, stream, group, consumer, b.claimMinIdle, 1)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		b.logger.Infow("Reclaimed stale pending entry",
			"stream", stream,
			"group", group,
			"id", claimed[0].ID)
		return claimed[0], nil
	}

	return b.store.nextUndelivered(ctx, stream, group, consumer)
}

// Close stops the broker: publishes fail and consumer loops exit. The
// database handle itself is owned by the caller and is not closed here.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
