package trends

import (
	"context"
	"database/sql"
	"time"

	"github.com/trendmill/trendmill/errors"
)

// TrendStore persists ranked signals and serves the live-trends query.
type TrendStore struct {
	db *sql.DB
}

// NewTrendStore creates a store over an already-migrated database.
func NewTrendStore(db *sql.DB) *TrendStore {
	return &TrendStore{db: db}
}

// Append persists a batch of signals in one transaction.
func (s *TrendStore) Append(ctx context.Context, signals []RawSignal) error {
	if len(signals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin signal transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trend_signals (source, keyword, category, engagement_score, captured_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare signal insert")
	}
	defer stmt.Close()

	for _, sig := range signals {
		capturedAt := sig.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			sig.Source, sig.Keyword, sig.Category, sig.EngagementScore,
			capturedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return errors.Wrapf(err, "failed to insert signal %s/%s", sig.Source, sig.Keyword)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit signals")
	}
	return nil
}

// SignalRecord is one persisted signal as exposed to API consumers.
// Timestamps are ISO-8601 strings.
type SignalRecord struct {
	Source          string `json:"source"`
	Keyword         string `json:"keyword"`
	EngagementScore int    `json:"engagement_score"`
	Timestamp       string `json:"timestamp"`
}

// Live returns persisted signals grouped by category, newest first within
// each group. An empty category returns all categories.
func (s *TrendStore) Live(ctx context.Context, category string) (map[string][]SignalRecord, error) {
	query := `SELECT source, keyword, category, engagement_score, captured_at
	          FROM trend_signals`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY captured_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query live trends")
	}
	defer rows.Close()

	grouped := make(map[string][]SignalRecord)
	for rows.Next() {
		var rec SignalRecord
		var cat string
		if err := rows.Scan(&rec.Source, &rec.Keyword, &cat, &rec.EngagementScore, &rec.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan trend signal")
		}
		grouped[cat] = append(grouped[cat], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate trend signals")
	}
	return grouped, nil
}

// Cleanup deletes signals captured before the cutoff and reports how many
// were removed.
func (s *TrendStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trend_signals WHERE captured_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired signals")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read cleanup result")
	}
	return deleted, nil
}
