package db

import (
	"context"
	"fmt"
	"time"

	"fanout/internal/types"
)

// Feed statuses stored in the registry.
const (
	FeedStatusActive = "active"
	FeedStatusStale  = "stale"
)

// FeedRow is one row of the feeds table.
type FeedRow struct {
	types.Feed
	Status     string
	CreatedAt  time.Time
	LastReadAt *time.Time
	StaleAt    *time.Time
}

// FeedRepository reads and maintains the feed registry:
//
//	CREATE TABLE feeds (
//	    feed_id      TEXT NOT NULL,
//	    feeds_key    TEXT NOT NULL,
//	    user_id      TEXT NOT NULL,
//	    pod_id       TEXT NOT NULL,
//	    status       TEXT NOT NULL DEFAULT 'active',
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    last_read_at TIMESTAMPTZ,
//	    stale_at     TIMESTAMPTZ,
//	    PRIMARY KEY (feeds_key, feed_id)
//	);
type FeedRepository struct {
	db DBTX
}

// NewFeedRepository creates a FeedRepository backed by the given connection.
func NewFeedRepository(db DBTX) *FeedRepository {
	return &FeedRepository{db: db}
}

// FindByKeys returns every feed registered under one of the feeds keys.
func (r *FeedRepository) FindByKeys(ctx context.Context, keys []string) ([]FeedRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT feed_id, user_id, feeds_key, status, created_at, last_read_at, stale_at
		 FROM feeds
		 WHERE feeds_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("db: failed to query feeds: %w", err)
	}
	defer rows.Close()

	var result []FeedRow
	for rows.Next() {
		var row FeedRow
		var userID string
		if err := rows.Scan(&row.FeedID, &userID, &row.FeedsKey, &row.Status,
			&row.CreatedAt, &row.LastReadAt, &row.StaleAt); err != nil {
			return nil, fmt.Errorf("db: failed to scan feed row: %w", err)
		}
		row.UserID = types.ID(userID)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: error iterating feed rows: %w", err)
	}
	return result, nil
}

// MarkStale flags an active feed as stale. Feeds already stale are left untouched.
func (r *FeedRepository) MarkStale(ctx context.Context, feedsKey, feedID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE feeds SET status = 'stale', stale_at = $3
		 WHERE feeds_key = $1 AND feed_id = $2 AND status = 'active'`,
		feedsKey, feedID, at)
	if err != nil {
		return fmt.Errorf("db: failed to mark feed %s stale: %w", feedID, err)
	}
	return nil
}

// Delete removes a feed from the registry.
func (r *FeedRepository) Delete(ctx context.Context, feedsKey, feedID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM feeds WHERE feeds_key = $1 AND feed_id = $2`,
		feedsKey, feedID)
	if err != nil {
		return fmt.Errorf("db: failed to delete feed %s: %w", feedID, err)
	}
	return nil
}
