package iam

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// Entry is one resolution attempt. Resolution is nil when the attempt failed.
type Entry struct {
	Resolution *directory.Resolution
	// StartedAt orders concurrent synchronizations of the same user.
	StartedAt time.Time
	// ExpiresAt is zero for entries that were never stored.
	ExpiresAt time.Time
}

// Stamp returns the synchronization stamp of the entry.
func (e Entry) Stamp() int64 {
	return e.StartedAt.UnixNano()
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Entries  int    `json:"entries"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Expired  uint64 `json:"expired"`
	Shared   uint64 `json:"shared"`
	Degraded uint64 `json:"degraded"`
}

// ResolveFunc performs a live directory resolution.
type ResolveFunc func(ctx context.Context, username string) (*directory.Resolution, error)

// ResolutionCache holds successful resolutions per username for a bounded
// time and collapses concurrent resolutions of the same username into one
// directory round trip.
//
// Failed resolutions are never stored. Entries past their TTL stay in the
// LRU until evicted so degraded mode can fall back to them, bounded by maxStale.
type ResolutionCache struct {
	entries  *lru.Cache[string, Entry]
	group    singleflight.Group
	ttl      time.Duration
	maxStale time.Duration
	metrics  *telemetry.Metrics
	now      func() time.Time

	hits, misses, expired, shared, degraded atomic.Uint64
}

// NewResolutionCache creates a cache holding up to size usernames.
// A zero ttl disables storage; concurrent resolutions are still collapsed.
func NewResolutionCache(size int, ttl, maxStale time.Duration, metrics *telemetry.Metrics) (*ResolutionCache, error) {
	if size <= 0 {
		size = 1
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create resolution cache: %w", err)
	}
	return &ResolutionCache{
		entries:  entries,
		ttl:      ttl,
		maxStale: maxStale,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Lookup returns the fresh entry for username.
func (c *ResolutionCache) Lookup(username string) (Entry, bool) {
	e, ok := c.entries.Get(username)
	switch {
	case !ok:
		c.misses.Add(1)
		c.metrics.RecordCacheLookup("miss")
		return Entry{}, false
	case !c.now().Before(e.ExpiresAt):
		c.expired.Add(1)
		c.metrics.RecordCacheLookup("expired")
		return Entry{}, false
	}
	c.hits.Add(1)
	c.metrics.RecordCacheLookup("hit")
	return e, true
}

// Stale returns the last stored entry for username if it expired less than
// maxStale ago. Fresh entries are returned as well.
func (c *ResolutionCache) Stale(username string) (Entry, bool) {
	e, ok := c.entries.Peek(username)
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.ExpiresAt) > c.maxStale {
		return Entry{}, false
	}
	c.degraded.Add(1)
	return e, true
}

// Store caches a successful resolution. It is a no-op when the TTL is zero
// or when a resolution that started later is already cached.
func (c *ResolutionCache) Store(e Entry) Entry {
	if c.ttl <= 0 || e.Resolution == nil {
		return e
	}
	e.ExpiresAt = c.now().Add(c.ttl)
	username := e.Resolution.Username
	if prev, ok := c.entries.Peek(username); ok && prev.StartedAt.After(e.StartedAt) {
		return e
	}
	c.entries.Add(username, e)
	c.metrics.SetCacheEntries(c.entries.Len())
	return e
}

// Invalidate drops the entry for username, fresh or stale.
func (c *ResolutionCache) Invalidate(username string) {
	c.entries.Remove(username)
	c.metrics.SetCacheEntries(c.entries.Len())
}

// Purge drops every entry.
func (c *ResolutionCache) Purge() {
	c.entries.Purge()
	c.metrics.SetCacheEntries(0)
}

// Resolve runs fn for username, sharing one execution between concurrent
// callers. The execution is detached from the caller's cancellation so a
// client hanging up does not fail the callers that joined it.
// The returned Entry carries StartedAt even when err is non-nil.
func (c *ResolutionCache) Resolve(ctx context.Context, username string, fn ResolveFunc) (Entry, bool, error) {
	ch := c.group.DoChan(username, func() (any, error) {
		e := Entry{StartedAt: c.now()}
		res, err := fn(context.WithoutCancel(ctx), username)
		if err != nil {
			return e, err
		}
		e.Resolution = res
		return c.Store(e), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.shared.Add(1)
		}
		e, _ := r.Val.(Entry)
		return e, r.Shared, r.Err
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	}
}

// Refresh is Resolve without joining a resolution already in flight.
func (c *ResolutionCache) Refresh(ctx context.Context, username string, fn ResolveFunc) (Entry, bool, error) {
	c.group.Forget(username)
	return c.Resolve(ctx, username, fn)
}

// Stats returns current counters.
func (c *ResolutionCache) Stats() CacheStats {
	return CacheStats{
		Entries:  c.entries.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Expired:  c.expired.Load(),
		Shared:   c.shared.Load(),
		Degraded: c.degraded.Load(),
	}
}
