// Package feeds resolves a distribution list into deliverable feeds and
// maintains feeds that went stale.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fanout/internal/db"
	"fanout/internal/types"
)

// Repository is the registry side of the service.
type Repository interface {
	FindByKeys(ctx context.Context, keys []string) ([]db.FeedRow, error)
	MarkStale(ctx context.Context, feedsKey, feedID string, at time.Time) error
	Delete(ctx context.Context, feedsKey, feedID string) error
}

// Drainer is the messaging side of feed maintenance.
type Drainer interface {
	SendRecycleFeed(ctx context.Context, req types.RecycleFeedRequest) error
	DeleteFeedQueue(ctx context.Context, feedID string) error
}

// Service implements the feed store port of the fan-out handler.
type Service struct {
	repo     Repository
	drainer  Drainer
	staleTTL time.Duration
	clock    types.Clock
	logger   types.Logger
}

// NewService creates a Service. staleTTL <= 0 disables staleness tracking.
func NewService(repo Repository, drainer Drainer, staleTTL time.Duration, clock types.Clock, logger types.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		repo:     repo,
		drainer:  drainer,
		staleTTL: staleTTL,
		clock:    clock,
		logger:   logger,
	}
}

// FetchFeeds looks up the feeds of every key in the distribution list and
// classifies them:
//   - active feeds read within the TTL are delivered;
//   - active feeds idle past the TTL are marked stale and not delivered;
//   - stale feeds read again since they went stale are delivered and reused;
//   - stale feeds idle past the TTL are deleted.
//
// Stale feeds inside the TTL are neither delivered nor touched.
func (s *Service) FetchFeeds(ctx context.Context, _ *types.Payload, distributionList []types.ID) (*types.FeedLookup, error) {
	keys := uniqueKeys(distributionList)
	rows, err := s.repo.FindByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("feeds: lookup %d keys: %w", len(keys), err)
	}

	now := s.clock.Now()
	lookup := &types.FeedLookup{}
	for _, row := range rows {
		switch row.Status {
		case db.FeedStatusActive:
			if s.idle(lastActivity(row), now) {
				lookup.ToStale = append(lookup.ToStale, row.Feed)
				continue
			}
			lookup.Feeds = append(lookup.Feeds, row.Feed)
		case db.FeedStatusStale:
			switch {
			case row.StaleAt != nil && row.LastReadAt != nil && row.LastReadAt.After(*row.StaleAt):
				lookup.Feeds = append(lookup.Feeds, row.Feed)
				lookup.ToReuse = append(lookup.ToReuse, row.Feed)
			case row.StaleAt != nil && s.idle(*row.StaleAt, now):
				lookup.ToDelete = append(lookup.ToDelete, row.Feed)
			}
		}
	}
	return lookup, nil
}

func (s *Service) idle(since, now time.Time) bool {
	return s.staleTTL > 0 && now.Sub(since) > s.staleTTL
}

func lastActivity(row db.FeedRow) time.Time {
	if row.LastReadAt != nil && row.LastReadAt.After(row.CreatedAt) {
		return *row.LastReadAt
	}
	return row.CreatedAt
}

func uniqueKeys(ids []types.ID) []string {
	seen := make(map[types.ID]struct{}, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, string(id))
	}
	return keys
}

// RecyclingFeeds runs the three maintenance actions concurrently. Individual
// failures are logged and never surface; the report counts what succeeded.
func (s *Service) RecyclingFeeds(ctx context.Context, toStale, toReuse, toRemove []types.Feed, podID types.ID) types.RecycleReport {
	var report types.RecycleReport
	var g errgroup.Group
	g.Go(func() error {
		report.Staled = s.updateFeedsToStale(ctx, toStale, podID)
		return nil
	})
	g.Go(func() error {
		report.Reused = s.updateFeedsToReuse(ctx, toReuse, podID)
		return nil
	})
	g.Go(func() error {
		report.Removed = s.removeFeeds(ctx, toRemove, podID)
		return nil
	})
	_ = g.Wait()
	return report
}

func (s *Service) updateFeedsToStale(ctx context.Context, feeds []types.Feed, podID types.ID) int {
	if len(feeds) == 0 {
		return 0
	}
	now := s.clock.Now()
	n := 0
	for _, f := range feeds {
		if err := s.repo.MarkStale(ctx, f.FeedsKey, f.FeedID, now); err != nil {
			s.logger.Warn("failed to mark feed stale",
				"feed_id", f.FeedID, "user_id", f.UserID, "pod_id", podID, "error", err)
			continue
		}
		n++
	}
	s.logger.Debug("feeds updated to stale", "count", n)
	return n
}

func (s *Service) updateFeedsToReuse(ctx context.Context, feeds []types.Feed, podID types.ID) int {
	n := 0
	for _, f := range feeds {
		err := s.drainer.SendRecycleFeed(ctx, types.RecycleFeedRequest{
			FeedID: f.FeedID,
			UserID: f.UserID,
			PodID:  podID,
			Action: types.RecycleDrain,
			Origin: types.ServiceName,
		})
		if err != nil {
			s.logger.Warn("failed to request feed reuse",
				"feed_id", f.FeedID, "user_id", f.UserID, "pod_id", podID, "error", err)
			continue
		}
		n++
	}
	s.logger.Debug("feeds updated to reuse", "count", n)
	return n
}

// removeFeeds deletes registry rows and queues in parallel. A feed counts as
// removed only when both deletions succeed.
func (s *Service) removeFeeds(ctx context.Context, feeds []types.Feed, podID types.ID) int {
	removed := make([]bool, len(feeds))
	var g errgroup.Group
	for i, f := range feeds {
		g.Go(func() error {
			dbErr := s.repo.Delete(ctx, f.FeedsKey, f.FeedID)
			if dbErr != nil {
				s.logger.Warn("failed to remove feed from registry", "feed_id", f.FeedID, "pod_id", podID, "error", dbErr)
			}
			queueErr := s.drainer.DeleteFeedQueue(ctx, f.FeedID)
			if queueErr != nil {
				s.logger.Warn("failed to remove feed queue", "feed_id", f.FeedID, "pod_id", podID, "error", queueErr)
			}
			removed[i] = errors.Join(dbErr, queueErr) == nil
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range removed {
		if ok {
			n++
		}
	}
	return n
}
