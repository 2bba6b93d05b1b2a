package idgen_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/flashsale/idgen"
	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/internal/redistest"
)

func TestWorker_NextID(t *testing.T) {
	ctx := t.Context()
	start := time.Date(2026, 5, 20, 23, 59, 58, 0, time.UTC)

	t.Run("layout and counter key", func(t *testing.T) {
		store, mr := redistest.New(t)
		w := idgen.New(store, idgen.WithClock(clock.NewManual(start)))

		id, err := w.NextID(ctx, "order")
		require.NoError(t, err)

		ts, seq := idgen.Decompose(id)
		assert.Equal(t, start, ts)
		assert.Equal(t, int64(1), seq)

		v, err := mr.Get("icr:order:2026:05:20")
		require.NoError(t, err)
		assert.Equal(t, "1", v)
	})

	t.Run("strictly increasing across seconds and days", func(t *testing.T) {
		store, _ := redistest.New(t)
		clk := clock.NewManual(start)
		w := idgen.New(store, idgen.WithClock(clk))

		var prev int64
		for i := 0; i < 10; i++ {
			id, err := w.NextID(ctx, "order")
			require.NoError(t, err)
			assert.Greater(t, id, prev)
			prev = id
			if i%3 == 2 {
				clk.Advance(time.Second)
			}
		}

		_, seq := idgen.Decompose(prev)
		assert.Equal(t, int64(1), seq, "the sequence restarted after midnight")
	})

	t.Run("unique under concurrency", func(t *testing.T) {
		store, _ := redistest.New(t)
		w := idgen.New(store, idgen.WithClock(clock.NewManual(start)))

		var mu sync.Mutex
		seen := make(map[int64]bool)
		var wg sync.WaitGroup
		for g := 0; g < 10; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					id, err := w.NextID(ctx, "order")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[id])
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 500)
	})

	t.Run("business keys count independently", func(t *testing.T) {
		store, _ := redistest.New(t)
		w := idgen.New(store, idgen.WithClock(clock.NewManual(start)), idgen.WithKeyPrefix("id:"))

		a, err := w.NextID(ctx, "order")
		require.NoError(t, err)
		b, err := w.NextID(ctx, "refund")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("exhausted sequence", func(t *testing.T) {
		store, mr := redistest.New(t)
		w := idgen.New(store, idgen.WithClock(clock.NewManual(start)))
		require.NoError(t, mr.Set("icr:order:2026:05:20", "4294967295"))

		_, err := w.NextID(ctx, "order")
		assert.ErrorIs(t, err, idgen.ErrSequenceExhausted)
	})

	t.Run("clock before epoch", func(t *testing.T) {
		store, _ := redistest.New(t)
		w := idgen.New(store, idgen.WithClock(clock.NewManual(idgen.Epoch.Add(-time.Hour))))

		_, err := w.NextID(ctx, "order")
		assert.ErrorIs(t, err, idgen.ErrClockOutOfRange)
	})
}
