// Package cache provides a Redis-backed cache for retrieval results with
// request coalescing for concurrent misses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/medrag/internal/retrieval"
)

const keyPrefix = "medrag:retrieve:"

// ErrMiss is returned by Store.Get for absent keys.
var ErrMiss = errors.New("cache miss")

// Store is the key-value backend of a QueryCache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Key identifies one retrieval request.
type Key struct {
	Query       string
	Limit       int
	UseReranker bool
	Alpha       float64
	Filters     map[string]string

	// Generation is the index build the results come from. Entries of older builds are
	// never read once the index moves on.
	Generation uint64
}

// QueryCache caches retrieval results by normalized request.
type QueryCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	hitCounter  prometheus.Counter
	missCounter prometheus.Counter
}

// Option is a functional option for configuring QueryCache.
type Option func(*QueryCache)

// WithCounters reports hits and misses to Prometheus counters.
func WithCounters(hits, misses prometheus.Counter) Option {
	return func(c *QueryCache) {
		c.hitCounter = hits
		c.missCounter = misses
	}
}

// New creates a cache storing entries in store for ttl.
func New(store Store, ttl time.Duration, opts ...Option) *QueryCache {
	c := &QueryCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "query-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached results for key. Backend and decoding errors count as misses.
func (c *QueryCache) Get(ctx context.Context, key Key) ([]retrieval.Candidate, bool) {
	k := buildKey(key)
	data, err := c.store.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Error("cache get failed", "key", k, "error", err)
		}
		c.miss()
		return nil, false
	}

	var results []retrieval.Candidate
	if err := json.Unmarshal(data, &results); err != nil {
		c.logger.Error("cache unmarshal failed", "key", k, "error", err)
		c.miss()
		return nil, false
	}
	c.hit()
	c.logger.Debug("cache hit", "query", key.Query, "key", k)
	return results, true
}

// Set stores results for key. Failures are logged, not returned.
func (c *QueryCache) Set(ctx context.Context, key Key, results []retrieval.Candidate) {
	k := buildKey(key)
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", k, "error", err)
		return
	}
	if err := c.store.Set(ctx, k, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", k, "error", err)
	}
}

// GetOrCompute returns cached results or runs compute once per key across concurrent
// callers and caches its result. The bool reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	key Key,
	compute func() ([]retrieval.Candidate, error),
) ([]retrieval.Candidate, bool, error) {
	if results, ok := c.Get(ctx, key); ok {
		return results, true, nil
	}

	val, err, _ := c.group.Do(buildKey(key), func() (any, error) {
		results, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]retrieval.Candidate), false, nil
}

// Invalidate removes every cached retrieval.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.store.DeletePrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns hit and miss counts since creation.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) hit() {
	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
}

func buildKey(k Key) string {
	var sb strings.Builder
	sb.WriteString("gen=")
	sb.WriteString(strconv.FormatUint(k.Generation, 10))
	sb.WriteString("|")
	sb.WriteString(normalizeQuery(k.Query))
	sb.WriteString("|limit=")
	sb.WriteString(strconv.Itoa(k.Limit))
	sb.WriteString("|rerank=")
	sb.WriteString(strconv.FormatBool(k.UseReranker))
	sb.WriteString("|alpha=")
	sb.WriteString(strconv.FormatFloat(k.Alpha, 'g', -1, 64))

	names := make([]string, 0, len(k.Filters))
	for name := range k.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "|%s=%s", name, k.Filters[name])
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

// normalizeQuery collapses whitespace. Case is kept because sparse scoring is case-sensitive.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
