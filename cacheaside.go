// Package flashsale provides a cache-aside engine with three read strategies,
// built on the kv store and the lock package.
//
// # Strategies
//
// QueryPassThrough reads the key and falls back to the loader on a miss.
// Entities the loader cannot find are cached as short-lived tombstones so
// repeated lookups for ids that do not exist stop reaching the backing store.
//
// QueryWithMutex behaves the same on hits and tombstones. On a miss only the
// caller holding the rebuild lock "lock:<prefix><id>" runs the loader; the
// others wait, re-read, and give up with ErrLockContention once MaxWait or
// MaxAttempts is spent. Callers inside one process additionally share a single
// rebuild through singleflight before contending for the distributed lock.
//
// QueryWithLogicalExpiry serves records that carry their own expiry and never
// expire in the store. It never calls the loader on the caller's goroutine: an
// absent record is reported as absent, and an expired one is returned stale
// while one caller schedules a rebuild on the background worker pool.
//
// # Basic Usage
//
//	store, err := kv.Open(rueidis.ClientOption{InitAddress: []string{"localhost:6379"}}, kv.Options{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	shops, err := flashsale.New[Shop](store, flashsale.CacheOption[Shop]{Prefix: "cache:shop:"})
//	if err != nil {
//	    return err
//	}
//	defer shops.Close(time.Second)
//
//	shop, ok, err := shops.QueryWithMutex(ctx, "42", func(ctx context.Context, id string) (Shop, bool, error) {
//	    return db.FindShop(ctx, id)
//	})
//
// # Invalidation
//
// Writers own consistency: after updating an entity they must call Invalidate
// before reporting success, so the next read repopulates the key.
package flashsale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dcbickfo/flashsale/codec"
	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/internal/contextx"
	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/internal/workerpool"
	"github.com/dcbickfo/flashsale/kv"
	"github.com/dcbickfo/flashsale/lock"
	"github.com/dcbickfo/flashsale/metrics"
)

// Logger is the logging interface used by Cache. *slog.Logger satisfies it.
type Logger = logger.Logger

// Loader fetches an entity from the backing store. It reports found=false
// when the entity does not exist. It must be a pure read: the engine may call
// it again for the same id.
type Loader[V any] func(ctx context.Context, id string) (v V, found bool, err error)

// tombstone marks "the backing store has no such entity".
const tombstone = ""

const (
	strategyPassThrough = "pass_through"
	strategyMutex       = "mutex"
	strategyLogical     = "logical_expiry"
)

// CacheOption configures a Cache. Everything except Prefix has a default.
type CacheOption[V any] struct {
	// Prefix is prepended to ids to form keys, e.g. "cache:shop:".
	Prefix string

	// Name labels metrics and logs. Defaults to Prefix.
	Name string

	// Codec serializes values. Defaults to codec.JSON.
	Codec codec.Codec[V]

	// TTL is the store TTL for values written by the pass-through and mutex
	// strategies, and the logical lifetime of rebuilt logical-expiry records.
	// Defaults to 30 minutes.
	TTL time.Duration

	// NullTTL is the store TTL of tombstones. Defaults to 2 minutes.
	NullTTL time.Duration

	// LockTTL bounds how long a crashed rebuilder can hold the rebuild lock.
	// Defaults to 10 seconds; values under 100ms are rejected.
	LockTTL time.Duration

	// LockPrefix names rebuild locks; the lock key is lock.KeyPrefix +
	// LockPrefix + id. Defaults to Prefix.
	LockPrefix string

	// LockStrategy picks the lock implementation. Defaults to lock.StrategySigned.
	LockStrategy lock.Strategy

	// RetryInterval is how long a caller that lost the rebuild lock waits
	// before re-reading. It wakes earlier when the lock key is invalidated.
	// Defaults to 50ms.
	RetryInterval time.Duration

	// MaxWait caps the total time QueryWithMutex spends waiting for another
	// rebuilder. Defaults to 2 seconds.
	MaxWait time.Duration

	// MaxAttempts caps lock attempts per QueryWithMutex call. Defaults to 40.
	MaxAttempts int

	// ClientCacheTTL enables client-side caching of reads for up to this long.
	// Zero reads from the store every time.
	ClientCacheTTL time.Duration

	// RebuildWorkers and RebuildQueue size the logical-expiry rebuild pool.
	// Defaults are 10 workers and a queue of 100.
	RebuildWorkers int
	RebuildQueue   int

	// RebuildTimeout bounds one background rebuild. Defaults to LockTTL.
	RebuildTimeout time.Duration

	Clock   clock.Clock
	Logger  Logger
	Metrics *metrics.Metrics
}

// Cache is a cache-aside view of one entity type.
type Cache[V any] struct {
	store          kv.Store
	locks          lock.Factory
	codec          codec.Codec[V]
	name           string
	prefix         string
	lockPrefix     string
	ttl            time.Duration
	nullTTL        time.Duration
	lockTTL        time.Duration
	retryInterval  time.Duration
	maxWait        time.Duration
	maxAttempts    int
	clientTTL      time.Duration
	rebuildTimeout time.Duration
	rebuilds       *workerpool.Pool
	group          singleflight.Group
	clock          clock.Clock
	logger         Logger
	metrics        *metrics.Metrics
}

// New validates opt, applies defaults and starts the rebuild pool.
func New[V any](store kv.Store, opt CacheOption[V]) (*Cache[V], error) {
	if opt.Prefix == "" {
		return nil, ErrEmptyPrefix
	}
	if opt.TTL < 0 || opt.NullTTL < 0 || opt.LockTTL < 0 || opt.MaxWait < 0 || opt.ClientCacheTTL < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidTTL)
	}
	if opt.LockTTL > 0 && opt.LockTTL < 100*time.Millisecond {
		return nil, fmt.Errorf("%w: LockTTL should be at least 100ms to avoid excessive lock churn", ErrInvalidTTL)
	}
	if opt.Name == "" {
		opt.Name = opt.Prefix
	}
	if opt.Codec == nil {
		opt.Codec = codec.JSON[V]{}
	}
	if opt.TTL == 0 {
		opt.TTL = 30 * time.Minute
	}
	if opt.NullTTL == 0 {
		opt.NullTTL = 2 * time.Minute
	}
	if opt.LockTTL == 0 {
		opt.LockTTL = 10 * time.Second
	}
	if opt.LockPrefix == "" {
		opt.LockPrefix = opt.Prefix
	}
	if opt.RetryInterval <= 0 {
		opt.RetryInterval = 50 * time.Millisecond
	}
	if opt.MaxWait == 0 {
		opt.MaxWait = 2 * time.Second
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 40
	}
	if opt.RebuildTimeout <= 0 {
		opt.RebuildTimeout = opt.LockTTL
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	opt.Logger = logger.Default(opt.Logger)

	c := &Cache[V]{
		store:          store,
		locks:          lock.NewProvider(store, opt.Logger).Factory(opt.LockStrategy),
		codec:          opt.Codec,
		name:           opt.Name,
		prefix:         opt.Prefix,
		lockPrefix:     opt.LockPrefix,
		ttl:            opt.TTL,
		nullTTL:        opt.NullTTL,
		lockTTL:        opt.LockTTL,
		retryInterval:  opt.RetryInterval,
		maxWait:        opt.MaxWait,
		maxAttempts:    opt.MaxAttempts,
		clientTTL:      opt.ClientCacheTTL,
		rebuildTimeout: opt.RebuildTimeout,
		clock:          opt.Clock,
		logger:         opt.Logger,
		metrics:        opt.Metrics,
	}
	c.rebuilds = workerpool.New(workerpool.Config{
		Name:       "rebuild:" + opt.Name,
		MaxWorkers: opt.RebuildWorkers,
		QueueSize:  opt.RebuildQueue,
		Logger:     opt.Logger,
		OnError: func(workerpool.Task, error) {
			c.metrics.Rebuild(c.name, "failed")
		},
	})
	c.metrics.WatchPool(c.name, func() metrics.PoolStats {
		s := c.rebuilds.Stats()
		return metrics.PoolStats{Active: s.Active, Queued: s.Queued}
	})
	return c, nil
}

// Close stops the rebuild pool, waiting up to timeout for running rebuilds.
func (c *Cache[V]) Close(timeout time.Duration) error {
	c.metrics.UnwatchPool(c.name)
	return c.rebuilds.Stop(timeout)
}

// Key returns the store key for id.
func (c *Cache[V]) Key(id string) string { return c.prefix + id }

func (c *Cache[V]) lockFor(id string) lock.Lock { return c.locks(c.lockPrefix + id) }

type entryState int

const (
	stateMiss entryState = iota
	stateTombstone
	stateHit
)

// read classifies the entry at key. fresh bypasses the client-side cache.
// Undecodable values are deleted and reported as a miss.
func (c *Cache[V]) read(ctx context.Context, key string, fresh bool) (V, entryState, error) {
	var zero V
	var raw string
	var err error
	if fresh {
		raw, err = c.store.Get(ctx, key)
	} else {
		raw, err = c.store.GetCached(ctx, key, c.clientTTL)
	}
	if kv.IsNil(err) {
		return zero, stateMiss, nil
	}
	if err != nil {
		return zero, stateMiss, err
	}
	if raw == tombstone {
		return zero, stateTombstone, nil
	}
	v, err := c.codec.Decode([]byte(raw))
	if err != nil {
		c.logger.Error("dropping undecodable cache entry", "key", key, "error", err)
		if _, delErr := c.store.Del(ctx, key); delErr != nil {
			c.logger.Error("failed to drop undecodable cache entry", "key", key, "error", delErr)
		}
		return zero, stateMiss, nil
	}
	return v, stateHit, nil
}

// QueryPassThrough returns the cached value for id, loading and caching it
// on a miss. Absent entities are cached as tombstones for NullTTL.
func (c *Cache[V]) QueryPassThrough(ctx context.Context, id string, load Loader[V]) (V, bool, error) {
	var zero V
	if load == nil {
		return zero, false, ErrNilLoader
	}
	key := c.Key(id)
	v, state, err := c.read(ctx, key, false)
	if err != nil {
		return zero, false, err
	}
	switch state {
	case stateHit:
		c.metrics.Lookup(c.name, strategyPassThrough, "hit")
		return v, true, nil
	case stateTombstone:
		c.metrics.Lookup(c.name, strategyPassThrough, "tombstone")
		return zero, false, nil
	}
	c.metrics.Lookup(c.name, strategyPassThrough, "miss")
	return c.loadAndStore(ctx, id, key, load)
}

// loadAndStore calls the loader and writes its answer. A failed write is
// logged but does not fail the read: the caller still gets the loaded value.
func (c *Cache[V]) loadAndStore(ctx context.Context, id, key string, load Loader[V]) (V, bool, error) {
	var zero V
	v, found, err := load(ctx, id)
	if err != nil {
		c.metrics.Load(c.name, "error")
		return zero, false, &LoaderError{Key: key, Err: err}
	}
	if !found {
		c.metrics.Load(c.name, "absent")
		if err := c.store.Set(ctx, key, tombstone, c.nullTTL); err != nil {
			c.logger.Error("failed to write tombstone", "key", key, "error", err)
		}
		return zero, false, nil
	}
	c.metrics.Load(c.name, "found")

	b, err := c.encode(v)
	if err != nil {
		return zero, false, err
	}
	if err := c.store.Set(ctx, key, string(b), c.ttl); err != nil {
		c.logger.Error("failed to write cache entry", "key", key, "error", err)
	}
	return v, true, nil
}

func (c *Cache[V]) encode(v V) ([]byte, error) {
	b, err := c.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("encode cache value: codec produced an empty payload")
	}
	return b, nil
}

type mutexResult[V any] struct {
	v     V
	found bool
}

// QueryWithMutex returns the cached value for id and lets at most one caller
// at a time rebuild it on a miss. Callers that cannot get the rebuild lock
// within MaxWait receive ErrLockContention.
func (c *Cache[V]) QueryWithMutex(ctx context.Context, id string, load Loader[V]) (V, bool, error) {
	var zero V
	if load == nil {
		return zero, false, ErrNilLoader
	}
	key := c.Key(id)

	// Same-process callers share one rebuild. The shared call runs detached
	// from any single caller so one cancellation does not fail the others;
	// it is still bounded by MaxWait and the lock lease.
	ch := c.group.DoChan(key, func() (any, error) {
		sctx, cancel := contextx.WithCleanupTimeout(ctx, c.maxWait+c.lockTTL)
		defer cancel()
		v, found, err := c.queryWithMutex(sctx, id, key, load)
		return mutexResult[V]{v: v, found: found}, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		r := res.Val.(mutexResult[V])
		return r.v, r.found, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (c *Cache[V]) queryWithMutex(ctx context.Context, id, key string, load Loader[V]) (V, bool, error) {
	var zero V
	deadline := c.clock.Now().Add(c.maxWait)

	for attempt := 1; ; attempt++ {
		v, state, err := c.read(ctx, key, attempt > 1)
		if err != nil {
			return zero, false, err
		}
		switch state {
		case stateHit:
			c.metrics.Lookup(c.name, strategyMutex, "hit")
			return v, true, nil
		case stateTombstone:
			c.metrics.Lookup(c.name, strategyMutex, "tombstone")
			return zero, false, nil
		}
		if attempt == 1 {
			c.metrics.Lookup(c.name, strategyMutex, "miss")
		}

		l := c.lockFor(id)
		ok, err := l.TryLock(ctx, c.lockTTL)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return c.rebuildLocked(ctx, l, id, key, load)
		}

		c.metrics.LockWait(c.name)
		if attempt >= c.maxAttempts {
			break
		}
		waited, err := c.waitForRelease(ctx, l.Key(), deadline)
		if err != nil {
			return zero, false, err
		}
		if !waited {
			break
		}
	}

	c.logger.Debug("gave up waiting for rebuild lock", "key", key)
	return zero, false, fmt.Errorf("rebuild %q: %w", key, ErrLockContention)
}

// rebuildLocked runs with the rebuild lock held and always releases it.
func (c *Cache[V]) rebuildLocked(ctx context.Context, l lock.Lock, id, key string, load Loader[V]) (V, bool, error) {
	defer c.release(ctx, l)

	// Another rebuilder may have finished between our miss and our lock.
	v, state, err := c.read(ctx, key, true)
	if err != nil {
		var zero V
		return zero, false, err
	}
	switch state {
	case stateHit:
		return v, true, nil
	case stateTombstone:
		var zero V
		return zero, false, nil
	}
	return c.loadAndStore(ctx, id, key, load)
}

// waitForRelease sleeps for RetryInterval, or less if the lock key changes
// first. It reports false once the deadline has passed.
func (c *Cache[V]) waitForRelease(ctx context.Context, lockKey string, deadline time.Time) (bool, error) {
	remaining := deadline.Sub(c.clock.Now())
	if remaining <= 0 {
		return false, nil
	}
	d := min(c.retryInterval, remaining)

	wake := c.store.Watch(ctx, lockKey, c.lockTTL)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return true, nil
}

func (c *Cache[V]) release(ctx context.Context, l lock.Lock) {
	cctx, cancel := contextx.WithCleanupTimeout(ctx, c.lockTTL)
	defer cancel()
	if err := l.Unlock(cctx); err != nil {
		c.logger.Error("failed to release rebuild lock", "key", l.Key(), "error", err)
	}
}

// QueryWithLogicalExpiry returns the record for id without ever waiting on
// the loader. found=false means the record was never warmed. An expired
// record is returned as is, and the caller that wins the rebuild lock
// schedules a background refresh.
func (c *Cache[V]) QueryWithLogicalExpiry(ctx context.Context, id string, load Loader[V]) (V, bool, error) {
	var zero V
	if load == nil {
		return zero, false, ErrNilLoader
	}
	key := c.Key(id)
	raw, err := c.store.GetCached(ctx, key, c.clientTTL)
	if kv.IsNil(err) || (err == nil && raw == tombstone) {
		c.metrics.Lookup(c.name, strategyLogical, "absent")
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	expireAt, payload, err := decodeRecord(raw)
	if err != nil {
		return zero, false, fmt.Errorf("key %q: %w", key, err)
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		return zero, false, fmt.Errorf("key %q: %w: %w", key, ErrCorruptEntry, err)
	}

	if c.clock.Now().Before(expireAt) {
		c.metrics.Lookup(c.name, strategyLogical, "hit")
		return v, true, nil
	}
	c.metrics.Lookup(c.name, strategyLogical, "stale")
	c.scheduleRebuild(ctx, id, key, load)
	return v, true, nil
}

// scheduleRebuild never blocks on the loader. Every failure is logged; the
// stale record keeps being served until a rebuild succeeds.
func (c *Cache[V]) scheduleRebuild(ctx context.Context, id, key string, load Loader[V]) {
	l := c.lockFor(id)
	ok, err := l.TryLock(ctx, c.lockTTL)
	if err != nil {
		c.logger.Error("rebuild lock failed", "key", key, "error", err)
		return
	}
	if !ok {
		return
	}

	// Double check: a rebuild may have landed after our read.
	if raw, err := c.store.Get(ctx, key); err == nil {
		if expireAt, _, err := decodeRecord(raw); err == nil && c.clock.Now().Before(expireAt) {
			c.release(ctx, l)
			return
		}
	}

	tctx, cancel := contextx.WithCleanupTimeout(ctx, c.rebuildTimeout)
	task := workerpool.Task{
		ID:      key,
		Context: tctx,
		Fn: func(ctx context.Context) error {
			defer cancel()
			defer c.release(ctx, l)
			return c.rebuild(ctx, id, key, load)
		},
	}
	if err := c.rebuilds.Submit(task); err != nil {
		cancel()
		c.release(ctx, l)
		c.metrics.Rebuild(c.name, "rejected")
		c.logger.Error("rebuild not scheduled", "key", key, "error", err)
		return
	}
	c.metrics.Rebuild(c.name, "submitted")
}

func (c *Cache[V]) rebuild(ctx context.Context, id, key string, load Loader[V]) error {
	v, found, err := load(ctx, id)
	if err != nil {
		c.metrics.Load(c.name, "error")
		return &LoaderError{Key: key, Err: err}
	}
	if !found {
		c.metrics.Load(c.name, "absent")
		if _, err := c.store.Del(ctx, key); err != nil {
			return fmt.Errorf("drop record for vanished entity %q: %w", key, err)
		}
		return nil
	}
	c.metrics.Load(c.name, "found")
	return c.SetWithLogicalExpiry(ctx, id, v, c.ttl)
}

// Set writes v under id with a store TTL. ttl <= 0 uses the configured TTL.
func (c *Cache[V]) Set(ctx context.Context, id string, v V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	b, err := c.encode(v)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.Key(id), string(b), ttl)
}

// SetWithLogicalExpiry writes a record that never expires in the store but
// is considered stale ttl from now. ttl <= 0 uses the configured TTL.
func (c *Cache[V]) SetWithLogicalExpiry(ctx context.Context, id string, v V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	b, err := c.encode(v)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.Key(id), string(encodeRecord(c.clock.Now().Add(ttl), b)), 0)
}

// Warm writes logical-expiry records for every id in values. It returns a
// *BatchError when some writes fail.
func (c *Cache[V]) Warm(ctx context.Context, values map[string]V, ttl time.Duration) error {
	failed := make(map[string]error)
	succeeded := make([]string, 0, len(values))
	for id, v := range values {
		if err := c.SetWithLogicalExpiry(ctx, id, v, ttl); err != nil {
			failed[id] = err
			continue
		}
		succeeded = append(succeeded, id)
	}
	return NewBatchError(failed, succeeded)
}

// Invalidate deletes the entry for id. Every write path of the underlying
// entity must call it before reporting success.
func (c *Cache[V]) Invalidate(ctx context.Context, id string) error {
	if _, err := c.store.Del(ctx, c.Key(id)); err != nil {
		return fmt.Errorf("invalidate %q: %w", c.Key(id), err)
	}
	return nil
}
