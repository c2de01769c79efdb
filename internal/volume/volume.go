// Package volume tracks the trailing traded value of each asset, which the
// price fusion engine uses to weight market price against fundamental price.
//
// A Cache entry is either live or absent. Volume recomputes an absent entry
// from the trade log and keeps it for the configured TTL; Increment only
// touches a live entry and leaves an absent one for the next recompute.
//
// Each entry remembers when its recompute finished reading the trade log.
// Increments for trades stamped before that point are dropped, since the
// recompute may already have counted them. A trade stamped before the read
// finished but committed after it is then missing until the entry expires.
// The figure is advisory: a stale entry shifts the price blend slightly and
// never affects settlement.
package volume

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source recomputes volume from the authoritative trade log.
type Source interface {
	VolumeSince(ctx context.Context, assetID string, since time.Time) (decimal.Decimal, error)
}

// Cache is the volume cache contract shared by the in-process and Redis
// implementations.
type Cache interface {
	// Volume returns the trailing-window volume of assetID, recomputing it
	// when the entry is absent or expired.
	Volume(ctx context.Context, assetID string) (decimal.Decimal, error)

	// Increment adds the value of a trade executed at tradedAt to a live
	// entry whose recompute predates the trade.
	Increment(ctx context.Context, assetID string, value decimal.Decimal, tradedAt time.Time) error

	// Invalidate drops the entry so the next Volume call recomputes.
	Invalidate(ctx context.Context, assetID string) error
}

// Options configure a cache.
type Options struct {
	// Window is the trailing period summed by a recompute.
	Window time.Duration
	// TTL bounds how long increments accumulate before a full recompute.
	TTL time.Duration
}

type entry struct {
	value   decimal.Decimal
	asOf    time.Time
	expires time.Time
}

// MemoryCache keeps entries in process memory.
type MemoryCache struct {
	src  Source
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryCache creates an in-process cache over src.
func NewMemoryCache(src Source, opts Options) *MemoryCache {
	return &MemoryCache{
		src:     src,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (c *MemoryCache) Volume(ctx context.Context, assetID string) (decimal.Decimal, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[assetID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.value, nil
	}

	v, err := c.src.VolumeSince(ctx, assetID, now.Add(-c.opts.Window))
	if err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	c.entries[assetID] = entry{value: v, asOf: c.now(), expires: now.Add(c.opts.TTL)}
	c.mu.Unlock()
	return v, nil
}

func (c *MemoryCache) Increment(_ context.Context, assetID string, value decimal.Decimal, tradedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok || !c.now().Before(e.expires) || tradedAt.Before(e.asOf) {
		return nil
	}
	e.value = e.value.Add(value)
	c.entries[assetID] = e
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, assetID string) error {
	c.mu.Lock()
	delete(c.entries, assetID)
	c.mu.Unlock()
	return nil
}
