// Package invalidation tracks goroutines waiting for a key to change.
//
// A waiter registers a key, makes sure the connection tracks that key (a
// client-side cached GET), and then blocks on the returned channel. The channel
// closes when Redis sends an invalidation for the key or when the registration
// times out, whichever happens first.
package invalidation

import (
	"context"
	"time"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/internal/syncx"
)

// Handler registers waiters and releases them on invalidation.
type Handler interface {
	// OnInvalidate is meant to be installed as rueidis.ClientOption.OnInvalidations.
	OnInvalidate(messages []rueidis.RedisMessage)

	// Register returns a channel that closes when key is invalidated or after
	// timeout plus a small grace period. Concurrent registrations for one key
	// share a channel.
	Register(key string, timeout time.Duration) <-chan struct{}
}

type entry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// RedisHandler implements Handler over a syncx.Map of per-key contexts.
type RedisHandler struct {
	logger  logger.Logger
	waiters *syncx.Map[string, *entry]
}

var _ Handler = (*RedisHandler)(nil)

func NewRedisHandler(l logger.Logger) *RedisHandler {
	return &RedisHandler{
		logger:  logger.Default(l),
		waiters: syncx.NewMap[string, *entry](),
	}
}

// OnInvalidate wakes the waiters of every invalidated key. rueidis delivers a
// nil slice when the whole tracking table is dropped (reconnect, FLUSHALL), in
// which case every waiter is woken.
func (h *RedisHandler) OnInvalidate(messages []rueidis.RedisMessage) {
	if messages == nil {
		h.waiters.Range(func(key string, e *entry) bool {
			if h.waiters.CompareAndDelete(key, e) {
				e.cancel()
			}
			return true
		})
		return
	}
	for _, m := range messages {
		key, err := m.ToString()
		if err != nil {
			h.logger.Error("failed to parse invalidation message", "error", err)
			continue
		}
		if e, ok := h.waiters.LoadAndDelete(key); ok {
			e.cancel()
		}
	}
}

func (h *RedisHandler) Register(key string, timeout time.Duration) <-chan struct{} {
	for {
		if existing, ok := h.waiters.Load(key); ok {
			if existing.ctx.Err() == nil {
				return existing.ctx.Done()
			}
			h.waiters.CompareAndDelete(key, existing)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout+grace(timeout))
		e := &entry{ctx: ctx, cancel: cancel}
		actual, loaded := h.waiters.LoadOrStore(key, e)
		if !loaded {
			context.AfterFunc(ctx, func() {
				h.waiters.CompareAndDelete(key, e)
			})
			return ctx.Done()
		}
		cancel()
		if actual.ctx.Err() == nil {
			return actual.ctx.Done()
		}
		h.waiters.CompareAndDelete(key, actual)
	}
}

// Pending reports the number of keys with live waiters.
func (h *RedisHandler) Pending() int {
	return h.waiters.Len()
}

// grace covers the delay between a key expiring and its invalidation arriving:
// 20% of the timeout, never less than 200ms.
func grace(timeout time.Duration) time.Duration {
	g := timeout / 5
	if g < 200*time.Millisecond {
		g = 200 * time.Millisecond
	}
	return g
}
