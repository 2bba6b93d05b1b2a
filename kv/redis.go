package kv

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/flashsale/internal/invalidation"
	"github.com/dcbickfo/flashsale/internal/logger"
)

// Options configures Open.
type Options struct {
	Logger logger.Logger
	// ClientBuilder overrides rueidis.NewClient, mainly for tests.
	ClientBuilder func(option rueidis.ClientOption) (rueidis.Client, error)
}

// Redis implements Store with rueidis.
type Redis struct {
	client        rueidis.Client
	invalidations invalidation.Handler
	logger        logger.Logger
}

var _ Store = (*Redis)(nil)

// Open creates a rueidis client from option and wires its invalidation stream
// into Watch. Any OnInvalidations callback already set on option still runs.
// Client-side caching stays off when option.DisableCache is set, and Watch
// then returns nil channels.
func Open(option rueidis.ClientOption, opts Options) (*Redis, error) {
	r := &Redis{logger: logger.Default(opts.Logger)}
	if !option.DisableCache {
		h := invalidation.NewRedisHandler(r.logger)
		r.invalidations = h
		prev := option.OnInvalidations
		option.OnInvalidations = func(messages []rueidis.RedisMessage) {
			h.OnInvalidate(messages)
			if prev != nil {
				prev(messages)
			}
		}
	}

	build := opts.ClientBuilder
	if build == nil {
		build = rueidis.NewClient
	}
	client, err := build(option)
	if err != nil {
		return nil, fmt.Errorf("open redis client: %w", err)
	}
	r.client = client
	return r, nil
}

// New wraps an existing client. Watch always returns nil channels on the
// result; use Open with ClientBuilder to keep invalidations wired.
func New(client rueidis.Client, l logger.Logger) *Redis {
	return &Redis{client: client, logger: logger.Default(l)}
}

// Client exposes the underlying client.
func (r *Redis) Client() rueidis.Client { return r.client }

// Close closes the underlying client.
func (r *Redis) Close() { r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).ToString()
	return v, wrap(err, "GET", key)
}

func (r *Redis) GetCached(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return r.Get(ctx, key)
	}
	v, err := r.client.DoCache(ctx, r.client.B().Get().Key(key).Cache(), ttl).ToString()
	return v, wrap(err, "GET", key)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(value).PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(value).Build()
	}
	return wrap(r.client.Do(ctx, cmd).Error(), "SET", key)
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(value).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(value).Nx().Build()
	}
	err := r.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err, "SET NX", key)
	}
	return true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	// One DEL per key keeps cluster deployments happy when keys hash to different slots.
	cmds := make(rueidis.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, r.client.B().Del().Key(k).Build())
	}
	var n int64
	for i, resp := range r.client.DoMulti(ctx, cmds...) {
		c, err := resp.AsInt64()
		if err != nil {
			return n, wrap(err, "DEL", keys[i])
		}
		n += c
	}
	return n, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Incr().Key(key).Build()).AsInt64()
	return n, wrap(err, "INCR", key)
}

func (r *Redis) Eval(ctx context.Context, script Script, keys, args []string) (int64, error) {
	n, err := script.Exec(ctx, r.client, keys, args).AsInt64()
	return n, wrap(err, "EVAL "+script.Name(), strings.Join(keys, ","))
}

func (r *Redis) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("XADD %q: no fields", stream)
	}
	fv := r.client.B().Xadd().Key(stream).Id("*").FieldValue()
	for _, f := range slices.Sorted(maps.Keys(fields)) {
		fv = fv.FieldValue(f, fields[f])
	}
	id, err := r.client.Do(ctx, fv.Build()).ToString()
	return id, wrap(err, "XADD", stream)
}

func (r *Redis) XGroupCreate(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = "0"
	}
	err := r.client.Do(ctx, r.client.B().XgroupCreate().Key(stream).Group(group).Id(start).Mkstream().Build()).Error()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return wrap(err, "XGROUP CREATE", stream)
}

func (r *Redis) XReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error) {
	if args.ID == "" {
		args.ID = ">"
	}
	if args.Count <= 0 {
		args.Count = 1
	}
	var cmd rueidis.Completed
	if args.Block > 0 {
		cmd = r.client.B().Xreadgroup().Group(args.Group, args.Consumer).Count(args.Count).
			Block(args.Block.Milliseconds()).Streams().Key(args.Stream).Id(args.ID).Build()
	} else {
		cmd = r.client.B().Xreadgroup().Group(args.Group, args.Consumer).Count(args.Count).
			Streams().Key(args.Stream).Id(args.ID).Build()
	}
	res, err := r.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		return nil, wrap(err, "XREADGROUP", args.Stream)
	}
	raw := res[args.Stream]
	if len(raw) == 0 {
		return nil, ErrNil
	}
	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		out = append(out, Entry{ID: e.ID, Fields: e.FieldValues})
	}
	return out, nil
}

func (r *Redis) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.client.Do(ctx, r.client.B().Xack().Key(stream).Group(group).Id(ids...).Build()).AsInt64()
	return n, wrap(err, "XACK", stream)
}

func (r *Redis) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Xlen().Key(stream).Build()).AsInt64()
	return n, wrap(err, "XLEN", stream)
}

func (r *Redis) Watch(ctx context.Context, key string, timeout time.Duration) <-chan struct{} {
	if r.invalidations == nil {
		return nil
	}
	// Register before subscribing so an invalidation racing the GET is not lost.
	ch := r.invalidations.Register(key, timeout)
	if err := r.client.DoCache(ctx, r.client.B().Get().Key(key).Cache(), timeout).Error(); err != nil && !rueidis.IsRedisNil(err) {
		r.logger.Debug("watch subscribe failed", "key", key, "error", err)
	}
	return ch
}

// wrap maps redis nil to ErrNil and everything else to ErrStore.
func wrap(err error, op, key string) error {
	switch {
	case err == nil:
		return nil
	case rueidis.IsRedisNil(err):
		return ErrNil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %q: %w", op, key, err)
	default:
		return fmt.Errorf("%s %q: %w: %w", op, key, ErrStore, err)
	}
}
