package flashsale_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/flashsale"
	"github.com/dcbickfo/flashsale/kv"
)

type shop struct {
	ID   int64  `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// countingLoader serves shops from a map and counts calls.
type countingLoader struct {
	mu    sync.Mutex
	shops map[string]shop
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (l *countingLoader) load(ctx context.Context, id string) (shop, bool, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return shop{}, false, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return shop{}, false, l.err
	}
	s, ok := l.shops[id]
	return s, ok, nil
}

func (l *countingLoader) put(id string, s shop) {
	l.mu.Lock()
	l.shops[id] = s
	l.mu.Unlock()
}

func newLoader() *countingLoader {
	return &countingLoader{shops: map[string]shop{
		"1": {ID: 1, Name: "noodles"},
		"2": {ID: 2, Name: "dumplings"},
	}}
}

func newCache(t *testing.T, store kv.Store, opt flashsale.CacheOption[shop]) *flashsale.Cache[shop] {
	t.Helper()
	if opt.Prefix == "" {
		opt.Prefix = "cache:shop:"
	}
	c, err := flashsale.New[shop](store, opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(time.Second) })
	return c
}

// assertLoads checks how many times the loader reached the backing store.
func assertLoads(t *testing.T, l *countingLoader, want int32, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Equal(t, want, l.calls.Load(), msgAndArgs...)
}

// assertShop checks a query result that is expected to be found.
func assertShop(t *testing.T, want shop, got shop, found bool, err error) bool {
	t.Helper()
	return assert.NoError(t, err) && assert.True(t, found) && assert.Equal(t, want, got)
}
