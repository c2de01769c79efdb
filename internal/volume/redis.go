package volume

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const maxIncrementAttempts = 3

// RedisCache shares entries across replicas. Values are stored as
// "{decimal}@{recompute unix nanos}"; increments use WATCH/MULTI so
// concurrent writers never lose an update and an expired key is never
// resurrected with a partial sum. Trade timestamps come from each replica's
// clock, so skew between replicas widens the window described in the
// package doc.
type RedisCache struct {
	rdb  *redis.Client
	src  Source
	opts Options
}

// NewRedisCache creates a cache stored in rdb.
func NewRedisCache(rdb *redis.Client, src Source, opts Options) *RedisCache {
	return &RedisCache{rdb: rdb, src: src, opts: opts}
}

func volumeKey(assetID string) string { return fmt.Sprintf("volume:%s", assetID) }

func encodeEntry(v decimal.Decimal, asOf time.Time) string {
	return v.String() + "@" + strconv.FormatInt(asOf.UnixNano(), 10)
}

func decodeEntry(raw string) (decimal.Decimal, time.Time, error) {
	num, at, ok := strings.Cut(raw, "@")
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("volume entry %q has no timestamp", raw)
	}
	v, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return v, time.Unix(0, nanos), nil
}

func (c *RedisCache) Volume(ctx context.Context, assetID string) (decimal.Decimal, error) {
	raw, err := c.rdb.Get(ctx, volumeKey(assetID)).Result()
	if err == nil {
		if v, _, perr := decodeEntry(raw); perr == nil {
			return v, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("volume cache get: %w", err)
	}

	v, err := c.src.VolumeSince(ctx, assetID, time.Now().Add(-c.opts.Window))
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, volumeKey(assetID), encodeEntry(v, time.Now()), c.opts.TTL).Err(); err != nil {
		return decimal.Zero, fmt.Errorf("volume cache set: %w", err)
	}
	return v, nil
}

func (c *RedisCache) Increment(ctx context.Context, assetID string, value decimal.Decimal, tradedAt time.Time) error {
	key := volumeKey(assetID)
	incr := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		cur, asOf, err := decodeEntry(raw)
		if err != nil {
			return tx.Del(ctx, key).Err()
		}
		if tradedAt.Before(asOf) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, encodeEntry(cur.Add(value), asOf), redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < maxIncrementAttempts; i++ {
		err := c.rdb.Watch(ctx, incr, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	// Lost every race; drop the entry so the next read recomputes.
	return c.Invalidate(ctx, assetID)
}

func (c *RedisCache) Invalidate(ctx context.Context, assetID string) error {
	return c.rdb.Del(ctx, volumeKey(assetID)).Err()
}
