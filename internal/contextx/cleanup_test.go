package contextx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/flashsale/internal/contextx"
)

func TestWithCleanupTimeout(t *testing.T) {
	t.Run("survives parent cancellation", func(t *testing.T) {
		parentCtx, parentCancel := context.WithCancel(context.Background())
		cleanupCtx, cleanupCancel := contextx.WithCleanupTimeout(parentCtx, 5*time.Second)
		defer cleanupCancel()

		parentCancel()

		select {
		case <-cleanupCtx.Done():
			t.Fatal("cleanup context cancelled with parent")
		case <-time.After(10 * time.Millisecond):
		}
	})

	t.Run("expires after timeout", func(t *testing.T) {
		cleanupCtx, cancel := contextx.WithCleanupTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		select {
		case <-cleanupCtx.Done():
			require.ErrorIs(t, cleanupCtx.Err(), context.DeadlineExceeded)
		case <-time.After(time.Second):
			t.Fatal("cleanup context never expired")
		}
	})

	t.Run("keeps parent values", func(t *testing.T) {
		type key struct{}
		parentCtx := context.WithValue(context.Background(), key{}, "v")
		cleanupCtx, cancel := contextx.WithCleanupTimeout(parentCtx, time.Second)
		defer cancel()

		assert.Equal(t, "v", cleanupCtx.Value(key{}))
	})
}

func TestSleep(t *testing.T) {
	t.Run("returns after duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, contextx.Sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, contextx.Sleep(ctx, time.Minute), context.Canceled)
	})
}
