// Package kv is the remote key-value store used by every flashsale component.
//
// Store is deliberately narrow: plain strings with TTLs, set-if-absent, atomic
// counters, Lua scripts and the handful of stream commands needed for a
// consumer group. Redis is the only implementation; it is reached through
// rueidis so reads can use RESP3 client-side caching and waiters can be woken
// by server-assisted invalidation.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/dcbickfo/flashsale/internal/luascript"
)

var (
	// ErrNil is returned when a key or stream holds nothing.
	ErrNil = errors.New("kv: nil")

	// ErrStore marks failures talking to the remote store: network errors,
	// timeouts and server errors. Callers retry these with backoff.
	ErrStore = errors.New("kv: store error")
)

// Script is a server-side Lua script. Declare scripts once with NewScript.
type Script = luascript.Executor

// NewScript declares a Lua script.
func NewScript(name, src string) Script {
	return luascript.New(name, src)
}

// Entry is one stream entry.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadGroupArgs describes an XREADGROUP call on a single stream.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	// ID is ">" for new entries or "0" to replay the consumer's pending list.
	ID    string
	Count int64
	// Block is how long to wait for new entries. Zero does not block.
	Block time.Duration
}

// Store is the KeyValueStore contract.
type Store interface {
	// Get returns ErrNil when key is absent.
	Get(ctx context.Context, key string) (string, error)
	// GetCached is Get served from the client-side cache when enabled. The
	// connection starts tracking key, so later writes to it invalidate the
	// local copy and wake Watch channels.
	GetCached(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Set stores value. ttl <= 0 stores it without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	// Eval runs script and returns its integer reply.
	Eval(ctx context.Context, script Script, keys, args []string) (int64, error)

	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	// XGroupCreate creates group on stream, creating the stream if needed. An
	// existing group is not an error.
	XGroupCreate(ctx context.Context, stream, group, start string) error
	// XReadGroup returns ErrNil when nothing arrived within Block.
	XReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XLen(ctx context.Context, stream string) (int64, error)

	// Watch returns a channel closed when key is next invalidated, or after
	// timeout. It returns nil when invalidations are not available; a nil
	// channel never fires, so callers pair it with their own timer.
	Watch(ctx context.Context, key string, timeout time.Duration) <-chan struct{}
}

// IsNil reports whether err means "no value".
func IsNil(err error) bool {
	return errors.Is(err, ErrNil)
}
