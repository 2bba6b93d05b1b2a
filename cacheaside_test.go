package flashsale_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/flashsale"
	"github.com/dcbickfo/flashsale/codec"
	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/internal/redistest"
	"github.com/dcbickfo/flashsale/lock"
	"github.com/dcbickfo/flashsale/metrics"
)

func TestNew_Validation(t *testing.T) {
	store, _ := redistest.New(t)

	_, err := flashsale.New[shop](store, flashsale.CacheOption[shop]{})
	assert.ErrorIs(t, err, flashsale.ErrEmptyPrefix)

	_, err = flashsale.New[shop](store, flashsale.CacheOption[shop]{Prefix: "p:", LockTTL: 10 * time.Millisecond})
	assert.ErrorIs(t, err, flashsale.ErrInvalidTTL)

	_, err = flashsale.New[shop](store, flashsale.CacheOption[shop]{Prefix: "p:", TTL: -time.Second})
	assert.ErrorIs(t, err, flashsale.ErrInvalidTTL)
}

func TestCache_QueryPassThrough(t *testing.T) {
	ctx := t.Context()

	t.Run("miss loads and caches with ttl", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{TTL: time.Minute})
		loader := newLoader()

		got, ok, err := c.QueryPassThrough(ctx, "1", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "noodles", got.Name)
		assert.Equal(t, time.Minute, mr.TTL("cache:shop:1"))

		got, ok, err = c.QueryPassThrough(ctx, "1", loader.load)
		assertShop(t, shop{ID: 1, Name: "noodles"}, got, ok, err)
		assertLoads(t, loader, 1, "second read is a hit")
	})

	t.Run("absent entity is tombstoned for null ttl", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{NullTTL: time.Minute})
		loader := newLoader()

		for i := 0; i < 5; i++ {
			_, ok, err := c.QueryPassThrough(ctx, "404", loader.load)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assertLoads(t, loader, 1, "tombstone stops repeated loads")
		assert.Equal(t, time.Minute, mr.TTL("cache:shop:404"))

		mr.FastForward(2 * time.Minute)
		loader.put("404", shop{ID: 404, Name: "late opening"})

		got, ok, err := c.QueryPassThrough(ctx, "404", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "late opening", got.Name)
		assertLoads(t, loader, 2)
	})

	t.Run("loader errors are returned and not cached", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		loader := newLoader()
		loader.err = errors.New("db down")

		_, _, err := c.QueryPassThrough(ctx, "1", loader.load)
		var le *flashsale.LoaderError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "cache:shop:1", le.Key)
		assert.ErrorIs(t, err, loader.err)
		assert.False(t, mr.Exists("cache:shop:1"))
	})

	t.Run("undecodable entry is dropped and reloaded", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		loader := newLoader()
		require.NoError(t, mr.Set("cache:shop:1", "{not json"))

		got, ok, err := c.QueryPassThrough(ctx, "1", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "noodles", got.Name)
		assertLoads(t, loader, 1)
	})

	t.Run("nil loader", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		_, _, err := c.QueryPassThrough(ctx, "1", nil)
		assert.ErrorIs(t, err, flashsale.ErrNilLoader)
	})

	t.Run("msgpack codec", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{Codec: codec.Msgpack[shop]{}})
		loader := newLoader()

		_, _, err := c.QueryPassThrough(ctx, "2", loader.load)
		require.NoError(t, err)
		got, ok, err := c.QueryPassThrough(ctx, "2", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, shop{ID: 2, Name: "dumplings"}, got)
		assertLoads(t, loader, 1)
	})
}

func TestCache_QueryWithMutex(t *testing.T) {
	ctx := t.Context()

	t.Run("concurrent misses rebuild once", func(t *testing.T) {
		store, mr := redistest.New(t)
		// Two caches stand in for two processes: they share the store but not singleflight.
		a := newCache(t, store, flashsale.CacheOption[shop]{RetryInterval: 10 * time.Millisecond})
		b := newCache(t, store, flashsale.CacheOption[shop]{RetryInterval: 10 * time.Millisecond})
		loader := newLoader()
		loader.delay = 100 * time.Millisecond

		var wg sync.WaitGroup
		results := make(chan shop, 20)
		for i := 0; i < 20; i++ {
			c := a
			if i%2 == 1 {
				c = b
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, ok, err := c.QueryWithMutex(ctx, "1", loader.load)
				assert.NoError(t, err)
				assert.True(t, ok)
				results <- got
			}()
		}
		wg.Wait()
		close(results)

		assertLoads(t, loader, 1)
		for got := range results {
			assert.Equal(t, "noodles", got.Name)
		}
		assert.False(t, mr.Exists(lock.KeyPrefix+"cache:shop:1"), "rebuild lock released")
	})

	t.Run("gives up when the lock stays held", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{
			RetryInterval: 10 * time.Millisecond,
			MaxWait:       100 * time.Millisecond,
		})
		loader := newLoader()

		holder := lock.NewProvider(store, nil).Signed("cache:shop:1")
		ok, err := holder.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		start := time.Now()
		_, _, err = c.QueryWithMutex(ctx, "1", loader.load)
		assert.ErrorIs(t, err, flashsale.ErrLockContention)
		assert.Less(t, time.Since(start), 2*time.Second)
		assertLoads(t, loader, 0)
	})

	t.Run("attempt cap bounds the loop", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{
			RetryInterval: time.Millisecond,
			MaxWait:       time.Minute,
			MaxAttempts:   3,
		})
		holder := lock.NewProvider(store, nil).Signed("cache:shop:1")
		ok, err := holder.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, _, err = c.QueryWithMutex(ctx, "1", newLoader().load)
		assert.ErrorIs(t, err, flashsale.ErrLockContention)
	})

	t.Run("waiter picks up the value once the holder finishes", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{RetryInterval: 10 * time.Millisecond})
		loader := newLoader()

		holder := lock.NewProvider(store, nil).Signed("cache:shop:2")
		ok, err := holder.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		go func() {
			time.Sleep(50 * time.Millisecond)
			assert.NoError(t, c.Set(context.Background(), "2", shop{ID: 2, Name: "rebuilt elsewhere"}, time.Minute))
			assert.NoError(t, holder.Unlock(context.Background()))
		}()

		got, ok, err := c.QueryWithMutex(ctx, "2", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "rebuilt elsewhere", got.Name)
		assertLoads(t, loader, 0)
	})

	t.Run("absent entity becomes a tombstone", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		loader := newLoader()

		_, ok, err := c.QueryWithMutex(ctx, "404", loader.load)
		require.NoError(t, err)
		assert.False(t, ok)
		v, err := mr.Get("cache:shop:404")
		require.NoError(t, err)
		assert.Equal(t, "", v)

		_, ok, err = c.QueryWithMutex(ctx, "404", loader.load)
		require.NoError(t, err)
		assert.False(t, ok)
		assertLoads(t, loader, 1)
	})

	t.Run("caller cancellation returns promptly", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		loader := newLoader()
		loader.delay = time.Second

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, _, err := c.QueryWithMutex(cctx, "1", loader.load)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("simple lock strategy also serializes rebuilds", func(t *testing.T) {
		store, _ := redistest.New(t)
		opt := flashsale.CacheOption[shop]{LockStrategy: lock.StrategySimple, RetryInterval: 10 * time.Millisecond}
		a, b := newCache(t, store, opt), newCache(t, store, opt)
		loader := newLoader()
		loader.delay = 50 * time.Millisecond

		var wg sync.WaitGroup
		for _, c := range []*flashsale.Cache[shop]{a, b, a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := c.QueryWithMutex(ctx, "2", loader.load)
				assert.NoError(t, err)
				assert.True(t, ok)
			}()
		}
		wg.Wait()
		assertLoads(t, loader, 1)
	})
}

func TestCache_QueryWithLogicalExpiry(t *testing.T) {
	ctx := t.Context()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("cold key is absent and never loads", func(t *testing.T) {
		store, _ := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		loader := newLoader()

		_, ok, err := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
		require.NoError(t, err)
		assert.False(t, ok)
		assertLoads(t, loader, 0)
	})

	t.Run("fresh record is served without loading", func(t *testing.T) {
		store, mr := redistest.New(t)
		clk := clock.NewManual(t0)
		c := newCache(t, store, flashsale.CacheOption[shop]{Clock: clk})
		loader := newLoader()

		require.NoError(t, c.SetWithLogicalExpiry(ctx, "1", shop{ID: 1, Name: "warm"}, time.Minute))
		assert.Equal(t, time.Duration(0), mr.TTL("cache:shop:1"), "no store ttl")

		got, ok, err := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "warm", got.Name)
		assertLoads(t, loader, 0)
	})

	t.Run("expired record is served stale and rebuilt once", func(t *testing.T) {
		store, mr := redistest.New(t)
		clk := clock.NewManual(t0)
		reg := metrics.New(nil)
		c := newCache(t, store, flashsale.CacheOption[shop]{Clock: clk, TTL: time.Hour, Metrics: reg})
		loader := newLoader()
		loader.delay = 300 * time.Millisecond

		require.NoError(t, c.SetWithLogicalExpiry(ctx, "1", shop{ID: 1, Name: "stale"}, time.Minute))
		clk.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				got, ok, err := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.Contains(t, []string{"stale", "noodles"}, got.Name)
				assert.Less(t, time.Since(start), loader.delay, "callers never wait for the loader")
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			got, _, _ := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
			return got.Name == "noodles"
		}, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			return !mr.Exists(lock.KeyPrefix + "cache:shop:1")
		}, time.Second, 10*time.Millisecond)

		assertLoads(t, loader, 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(reg.CacheRebuilds.WithLabelValues("cache:shop:", "submitted")))
	})

	t.Run("failed rebuild keeps serving stale and releases the lock", func(t *testing.T) {
		store, mr := redistest.New(t)
		clk := clock.NewManual(t0)
		reg := metrics.New(nil)
		c := newCache(t, store, flashsale.CacheOption[shop]{Clock: clk, Metrics: reg})
		loader := newLoader()
		loader.err = errors.New("db down")

		require.NoError(t, c.SetWithLogicalExpiry(ctx, "1", shop{ID: 1, Name: "stale"}, time.Minute))
		clk.Advance(2 * time.Minute)

		got, ok, err := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "stale", got.Name)

		require.Eventually(t, func() bool {
			return testutil.ToFloat64(reg.CacheRebuilds.WithLabelValues("cache:shop:", "failed")) == 1
		}, time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			return !mr.Exists(lock.KeyPrefix + "cache:shop:1")
		}, time.Second, 10*time.Millisecond)

		got, ok, err = c.QueryWithLogicalExpiry(ctx, "1", loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "stale", got.Name)
	})

	t.Run("vanished entity drops the record", func(t *testing.T) {
		store, mr := redistest.New(t)
		clk := clock.NewManual(t0)
		c := newCache(t, store, flashsale.CacheOption[shop]{Clock: clk})
		loader := newLoader()

		require.NoError(t, c.SetWithLogicalExpiry(ctx, "404", shop{ID: 404, Name: "closed"}, time.Minute))
		clk.Advance(2 * time.Minute)

		_, ok, err := c.QueryWithLogicalExpiry(ctx, "404", loader.load)
		require.NoError(t, err)
		assert.True(t, ok)
		require.Eventually(t, func() bool {
			return !mr.Exists("cache:shop:404")
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("running rebuild shows on the pool gauge", func(t *testing.T) {
		store, _ := redistest.New(t)
		clk := clock.NewManual(t0)
		reg := metrics.New(nil)
		c := newCache(t, store, flashsale.CacheOption[shop]{Clock: clk, Metrics: reg})
		loader := newLoader()
		loader.delay = 300 * time.Millisecond

		require.NoError(t, c.SetWithLogicalExpiry(ctx, "1", shop{ID: 1, Name: "stale"}, time.Minute))
		clk.Advance(2 * time.Minute)
		_, _, err := c.QueryWithLogicalExpiry(ctx, "1", loader.load)
		require.NoError(t, err)

		poolIs := func(active int) func() bool {
			return func() bool {
				expected := `
# HELP flashsale_cache_rebuild_pool_tasks Logical-expiry rebuild tasks by state (active, queued).
# TYPE flashsale_cache_rebuild_pool_tasks gauge
flashsale_cache_rebuild_pool_tasks{cache="cache:shop:",state="active"} ` + strconv.Itoa(active) + `
flashsale_cache_rebuild_pool_tasks{cache="cache:shop:",state="queued"} 0
`
				return testutil.CollectAndCompare(reg.RebuildPools, strings.NewReader(expected)) == nil
			}
		}
		require.Eventually(t, poolIs(1), time.Second, 5*time.Millisecond)
		require.Eventually(t, poolIs(0), 2*time.Second, 10*time.Millisecond)

		require.NoError(t, c.Close(time.Second))
		assert.Zero(t, testutil.CollectAndCount(reg.RebuildPools))
	})

	t.Run("plain values are reported corrupt", func(t *testing.T) {
		store, mr := redistest.New(t)
		c := newCache(t, store, flashsale.CacheOption[shop]{})
		require.NoError(t, mr.Set("cache:shop:1", `{"id":1}`))

		_, _, err := c.QueryWithLogicalExpiry(ctx, "1", newLoader().load)
		assert.ErrorIs(t, err, flashsale.ErrCorruptEntry)
	})
}

func TestCache_Warm(t *testing.T) {
	ctx := t.Context()
	store, _ := redistest.New(t)
	c := newCache(t, store, flashsale.CacheOption[shop]{})

	values := make(map[string]shop)
	for i := 1; i <= 5; i++ {
		values[strconv.Itoa(i)] = shop{ID: int64(i), Name: "warm " + strconv.Itoa(i)}
	}
	require.NoError(t, c.Warm(ctx, values, time.Hour))

	loader := newLoader()
	for id, want := range values {
		got, ok, err := c.QueryWithLogicalExpiry(ctx, id, loader.load)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assertLoads(t, loader, 0)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := t.Context()
	store, mr := redistest.New(t)
	c := newCache(t, store, flashsale.CacheOption[shop]{})
	loader := newLoader()

	_, _, err := c.QueryPassThrough(ctx, "1", loader.load)
	require.NoError(t, err)
	require.True(t, mr.Exists("cache:shop:1"))

	loader.put("1", shop{ID: 1, Name: "renamed"})
	require.NoError(t, c.Invalidate(ctx, "1"))
	assert.False(t, mr.Exists("cache:shop:1"))

	got, _, err := c.QueryPassThrough(ctx, "1", loader.load)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assertLoads(t, loader, 2)
}
