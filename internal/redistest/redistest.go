// Package redistest starts an in-process Redis for tests.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/flashsale/kv"
)

// ClientOption returns options that rueidis can use against miniredis:
// RESP2, no client-side caching, no cluster probing.
func ClientOption(addr string) rueidis.ClientOption {
	return rueidis.ClientOption{
		InitAddress:       []string{addr},
		DisableCache:      true,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		ClientSetInfo:     rueidis.DisableClientSetInfo,
	}
}

// New starts miniredis and returns a store connected to it. Both are closed
// when the test ends.
func New(t testing.TB) (*kv.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kv.Open(ClientOption(mr.Addr()), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, mr
}
