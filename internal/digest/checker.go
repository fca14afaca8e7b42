package digest

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Key identifies a digest within the dedup window.
type Key struct {
	UserID   int64
	SourceID int64
	Scope    model.EntityScope
	Hash     string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%s:%s", k.UserID, k.SourceID, k.Scope, k.Hash)
}

// Store is the durable digest lookup (tier 2). DigestSeenAt returns the
// creation time of a digest created at or after since.
type Store interface {
	DigestSeenAt(ctx context.Context, key Key, since time.Time) (time.Time, bool, error)
}

// Checker implements two-tier duplicate detection: an in-process cache in
// front of the digest table. Cached entries hold the staging time and are
// judged against the same clock as the table lookup; the cache TTL only
// bounds memory.
type Checker struct {
	cache   *cache.Cache
	store   Store
	window  time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

func NewChecker(store Store, window time.Duration, metrics *observability.Metrics) *Checker {
	return &Checker{
		cache:   cache.New(window, window),
		store:   store,
		window:  window,
		now:     time.Now,
		metrics: metrics,
	}
}

// SetClock replaces the time source used to compute the window start.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Window returns the configured dedup window.
func (c *Checker) Window() time.Duration { return c.window }

// IsDuplicate reports whether key was staged within the dedup window.
// A store error is returned, never treated as "not duplicate".
func (c *Checker) IsDuplicate(ctx context.Context, key Key) (bool, error) {
	now := c.now()
	since := now.Add(-c.window)

	if v, ok := c.cache.Get(key.String()); ok {
		if seenAt, _ := v.(time.Time); !seenAt.Before(since) {
			c.metrics.DigestDuplicate(string(key.Scope), "cache")
			return true, nil
		}
		c.cache.Delete(key.String())
	}

	seenAt, dup, err := c.store.DigestSeenAt(ctx, key, since)
	if err != nil {
		return false, model.Persist("digest lookup", err)
	}
	if dup {
		c.metrics.DigestDuplicate(string(key.Scope), "store")
		c.cache.Set(key.String(), seenAt, cache.DefaultExpiration)
	}
	return dup, nil
}

// MarkStaged records key as staged at the given time, after its staging
// transaction committed.
func (c *Checker) MarkStaged(key Key, at time.Time) {
	c.cache.Set(key.String(), at, cache.DefaultExpiration)
}

// Evict drops keys whose digests were released, e.g. because their run failed.
func (c *Checker) Evict(keys ...Key) {
	for _, k := range keys {
		c.cache.Delete(k.String())
	}
}
