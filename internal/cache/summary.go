package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const summaryPrefix = "medrag:summary:"

// DefaultSummaryTTL keeps generated summaries for a day.
const DefaultSummaryTTL = 24 * time.Hour

// SummaryCache stores generated paper summaries by paper ID and method.
type SummaryCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewSummaryCache creates a summary cache over store. A non-positive ttl uses DefaultSummaryTTL.
func NewSummaryCache(store Store, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &SummaryCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "summary-cache"),
	}
}

// GetOrCompute returns the cached summary of paperID for method, or runs compute once
// across concurrent callers and stores its result. The bool reports a cache hit.
func (c *SummaryCache) GetOrCompute(ctx context.Context, paperID, method string, compute func() (string, error)) (string, bool, error) {
	key := summaryKey(paperID, method)

	data, err := c.store.Get(ctx, key)
	if err == nil {
		c.logger.Debug("summary cache hit", "paper_id", paperID, "method", method)
		return string(data), true, nil
	}
	if !errors.Is(err, ErrMiss) {
		c.logger.Error("summary cache get failed", "key", key, "error", err)
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		summary, err := compute()
		if err != nil {
			return "", err
		}
		if err := c.store.Set(ctx, key, []byte(summary), c.ttl); err != nil {
			c.logger.Error("summary cache set failed", "key", key, "error", err)
		}
		return summary, nil
	})
	if err != nil {
		return "", false, err
	}
	return val.(string), false, nil
}

// Invalidate drops the cached summaries of one paper, or of every paper when paperID is empty.
func (c *SummaryCache) Invalidate(ctx context.Context, paperID string) error {
	prefix := summaryPrefix
	if paperID != "" {
		prefix += paperID + "|"
	}
	deleted, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("invalidating summaries: %w", err)
	}
	c.logger.Info("summary cache invalidated", "paper_id", paperID, "keys_deleted", deleted)
	return nil
}

func summaryKey(paperID, method string) string {
	return summaryPrefix + paperID + "|" + method
}
