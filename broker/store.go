package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/trendmill/trendmill/errors"
)

// store handles persistence of stream entries, consumer groups, and pending
// deliveries. All multi-statement operations run in a transaction so that
// competing consumers in one group never receive the same entry twice.
type store struct {
	db  *sql.DB
	now func() time.Time
}

func newStore(db *sql.DB) *store {
	return &store{db: db, now: time.Now}
}

// append inserts a new entry at the next sequence number for the stream.
func (s *store) append(ctx context.Context, stream string, fields map[string]string) (int64, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal message fields")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin append transaction")
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stream_entries WHERE stream = ?`, stream,
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate sequence number")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stream_entries (stream, seq, fields, created_at) VALUES (?, ?, ?, ?)`,
		stream, seq, string(fieldsJSON), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to append to stream %s", stream)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit append")
	}

	return seq, nil
}

// ensureGroup creates a consumer group if it does not exist. Idempotent.
func (s *store) ensureGroup(ctx context.Context, stream, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stream_groups (stream, consumer_group, last_delivered, created_at)
		 VALUES (?, ?, 0, ?)`,
		stream, group, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to ensure group %s on stream %s", group, stream)
	}
	return nil
}

// nextUndelivered hands the oldest not-yet-delivered entry to consumer,
// advancing the group cursor and recording a pending entry. Returns nil when
// the group is caught up.
func (s *store) nextUndelivered(ctx context.Context, stream, group, consumer string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin delivery transaction")
	}
	defer tx.Rollback()

	var lastDelivered int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_delivered FROM stream_groups WHERE stream = ? AND consumer_group = ?`,
		stream, group,
	).Scan(&lastDelivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "group %s on stream %s", group, stream)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read group cursor")
	}

	var seq int64
	var fieldsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, fields FROM stream_entries
		 WHERE stream = ? AND seq > ?
		 ORDER BY seq ASC LIMIT 1`,
		stream, lastDelivered,
	).Scan(&seq, &fieldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // caught up
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read next entry")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_groups SET last_delivered = ? WHERE stream = ? AND consumer_group = ?`,
		seq, stream, group,
	); err != nil {
		return nil, errors.Wrap(err, "failed to advance group cursor")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_pending (stream, consumer_group, seq, consumer, delivered_at, delivery_count)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		stream, group, seq, consumer, s.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, errors.Wrap(err, "failed to record pending entry")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit delivery")
	}

	msg, err := decodeMessage(stream, seq, fieldsJSON)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ack removes a pending entry, marking the delivery as processed.
func (s *store) ack(ctx context.Context, stream, group string, seq int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_pending WHERE stream = ? AND consumer_group = ? AND seq = ?`,
		stream, group, seq,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to ack %s/%s seq %d", stream, group, seq)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read ack result")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "pending entry %s/%s seq %d", stream, group, seq)
	}
	return nil
}

// claimStale reassigns up to limit pending entries idle longer than minIdle
// to consumer, bumping their delivery count. This recovers work from crashed
// consumers that never acknowledged.
func (s *store) claimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, limit int) ([]*Message, error) {
	cutoff := s.now().UTC().Add(-minIdle).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT p.seq, e.fields FROM stream_pending p
		 JOIN stream_entries e ON e.stream = p.stream AND e.seq = p.seq
		 WHERE p.stream = ? AND p.consumer_group = ? AND p.delivered_at <= ?
		 ORDER BY p.seq ASC LIMIT ?`,
		stream, group, cutoff, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale pending entries")
	}

	type claimed struct {
		seq    int64
		fields string
	}
	var stale []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.seq, &c.fields); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan stale entry")
		}
		stale = append(stale, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate stale entries")
	}
	rows.Close()

	if len(stale) == 0 {
		return nil, nil
	}

	deliveredAt := s.now().UTC().Format(time.RFC3339Nano)
	messages := make([]*Message, 0, len(stale))
	for _, c := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stream_pending
			 SET consumer = ?, delivered_at = ?, delivery_count = delivery_count + 1
			 WHERE stream = ? AND consumer_group = ? AND seq = ?`,
			consumer, deliveredAt, stream, group, c.seq,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to claim entry %d", c.seq)
		}

		msg, err := decodeMessage(stream, c.seq, c.fields)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	return messages, nil
}

// PendingEntry describes one unacknowledged delivery.
type PendingEntry struct {
	Stream        string    `json:"stream"`
	Group         string    `json:"group"`
	Seq           int64     `json:"seq"`
	Consumer      string    `json:"consumer"`
	DeliveredAt   time.Time `json:"delivered_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// pending lists unacknowledged entries for one stream/group.
func (s *store) pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, consumer, delivered_at, delivery_count FROM stream_pending
		 WHERE stream = ? AND consumer_group = ?
		 ORDER BY seq ASC`,
		stream, group,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending entries")
	}
	defer rows.Close()

	var entries []PendingEntry
	for rows.Next() {
		e := PendingEntry{Stream: stream, Group: group}
		var deliveredAt string
		if err := rows.Scan(&e.Seq, &e.Consumer, &deliveredAt, &e.DeliveryCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending entry")
		}
		if ts, err := time.Parse(time.RFC3339Nano, deliveredAt); err == nil {
			e.DeliveredAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pendingCounts returns the number of unacknowledged entries per stream/group.
func (s *store) pendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream, consumer_group, COUNT(*) FROM stream_pending
		 GROUP BY stream, consumer_group`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count pending entries")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stream, group string
		var count int
		if err := rows.Scan(&stream, &group, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending count")
		}
		counts[stream+"/"+group] = count
	}
	return counts, rows.Err()
}

func decodeMessage(stream string, seq int64, fieldsJSON string) (*Message, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, errors.Wrapf(err, "corrupt fields for %s seq %d", stream, seq)
	}
	return &Message{Stream: stream, ID: seq, Fields: fields}, nil
}
