package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/synth-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for asset rows, which every quote and price read hits. Writes go to
// the primary store; keys touched by a transaction are invalidated once it
// commits, never before.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched *trackingTx
	err := s.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		// A retried unit gets a fresh tracker; only the committed attempt counts.
		touched = &trackingTx{Tx: tx}
		return fn(ctx, touched)
	})
	if err != nil || touched == nil {
		return err
	}
	if keys := touched.keys(); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// trackingTx records cache keys invalidated by writes.
type trackingTx struct {
	Tx
	mu      sync.Mutex
	touched []string
}

func (t *trackingTx) mark(keys ...string) {
	t.mu.Lock()
	t.touched = append(t.touched, keys...)
	t.mu.Unlock()
}

func (t *trackingTx) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.touched...)
}

func (t *trackingTx) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := t.Tx.CreateAsset(ctx, a); err != nil {
		return err
	}
	t.mark(assetCacheKey(a.ID), symbolCacheKey(a.Symbol))
	return nil
}

func (t *trackingTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	if err := t.Tx.UpdateAsset(ctx, a); err != nil {
		return err
	}
	t.mark(assetCacheKey(a.ID))
	return nil
}

func (t *trackingTx) PutPool(ctx context.Context, p *model.LiquidityPool) error {
	if err := t.Tx.PutPool(ctx, p); err != nil {
		return err
	}
	t.mark(poolCacheKey(p.AssetID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, assetCacheKey(id)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.Store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, assetCacheKey(a.ID), a)
	return a, nil
}

func (s *CachedStore) GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error) {
	// Try cache via symbol→assetID mapping. Symbols never change, so the
	// mapping outlives row invalidation.
	assetID, err := s.rdb.Get(ctx, symbolCacheKey(symbol)).Result()
	if err == nil {
		return s.GetAsset(ctx, assetID)
	}

	// Cache miss.
	a, err := s.Store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the asset and the symbol→ID mapping.
	s.cacheJSON(ctx, assetCacheKey(a.ID), a)
	s.rdb.Set(ctx, symbolCacheKey(symbol), a.ID, s.ttl)
	return a, nil
}

func (s *CachedStore) GetPool(ctx context.Context, assetID string) (*model.LiquidityPool, error) {
	data, err := s.rdb.Get(ctx, poolCacheKey(assetID)).Bytes()
	if err == nil {
		var p model.LiquidityPool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.GetPool(ctx, assetID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, poolCacheKey(assetID), p)
	return p, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func assetCacheKey(id string) string      { return fmt.Sprintf("asset:%s", id) }
func symbolCacheKey(sym string) string    { return fmt.Sprintf("symbol:%s", sym) }
func poolCacheKey(assetID string) string  { return fmt.Sprintf("pool:%s", assetID) }
