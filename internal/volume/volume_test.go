package volume

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeSource struct {
	calls int
	value decimal.Decimal
	since time.Time
}

func (f *fakeSource) VolumeSince(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	f.calls++
	f.since = since
	return f.value, nil
}

func TestMemoryCache_RecomputeThenIncrement(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{value: d(100)}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(src, Options{Window: time.Hour, TTL: time.Minute})
	c.now = func() time.Time { return now }

	// Increment on an absent entry is ignored.
	require.NoError(t, c.Increment(ctx, "a", d(5), now))

	v, err := c.Volume(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(d(100)))
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, now.Add(-time.Hour), src.since)

	require.NoError(t, c.Increment(ctx, "a", d(25), now))
	v, err = c.Volume(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(d(125)))
	assert.Equal(t, 1, src.calls, "live entry served from cache")
}

func TestMemoryCache_SkipsTradesCountedByRecompute(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{value: d(100)}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(src, Options{Window: time.Hour, TTL: time.Minute})
	c.now = func() time.Time { return now }

	_, err := c.Volume(ctx, "a")
	require.NoError(t, err)

	// Executed before the recompute read the log, so already in the 100.
	require.NoError(t, c.Increment(ctx, "a", d(40), now.Add(-time.Millisecond)))
	require.NoError(t, c.Increment(ctx, "a", d(3), now.Add(time.Millisecond)))

	v, err := c.Volume(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(d(103)), "got %s", v)
}

func TestDecodeEntry(t *testing.T) {
	at := time.Unix(0, 1767268800123456789)
	v, asOf, err := decodeEntry(encodeEntry(d(12.5), at))
	require.NoError(t, err)
	assert.True(t, v.Equal(d(12.5)))
	assert.True(t, asOf.Equal(at))

	for _, raw := range []string{"12.5", "x@1", "1@y"} {
		_, _, err := decodeEntry(raw)
		assert.Error(t, err, raw)
	}
}

func TestMemoryCache_ExpiryRecomputes(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{value: d(10)}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(src, Options{Window: time.Hour, TTL: time.Minute})
	c.now = func() time.Time { return now }

	_, err := c.Volume(ctx, "a")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.Increment(ctx, "a", d(1), now), "expired entry is not incremented")

	src.value = d(42)
	v, err := c.Volume(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(d(42)))
	assert.Equal(t, 2, src.calls)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{value: d(10)}
	c := NewMemoryCache(src, Options{Window: time.Hour, TTL: time.Hour})

	_, err := c.Volume(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "a"))
	_, err = c.Volume(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

// TestRedisCache runs against a real server when SYNTH_TEST_REDIS_URL is set.
func TestRedisCache(t *testing.T) {
	url := os.Getenv("SYNTH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SYNTH_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	asset := "volume-test-" + time.Now().Format("150405.000000")
	src := &fakeSource{value: d(7.5)}
	c := NewRedisCache(rdb, src, Options{Window: time.Hour, TTL: time.Minute})
	defer c.Invalidate(ctx, asset)

	require.NoError(t, c.Increment(ctx, asset, d(1), time.Now()))
	v, err := c.Volume(ctx, asset)
	require.NoError(t, err)
	assert.True(t, v.Equal(d(7.5)))

	require.NoError(t, c.Increment(ctx, asset, d(2.25), time.Now()))
	v, err = c.Volume(ctx, asset)
	require.NoError(t, err)
	assert.True(t, v.Equal(d(9.75)), "got %s", v)
	assert.Equal(t, 1, src.calls)
}
