// Package lock provides named mutual-exclusion locks backed by kv.Store.
//
// # Strategies
//
// Signed stores a unique owner token under the lock key and releases it with
// a compare-and-delete script, so a holder whose lease expired can never
// delete a lock that has since been handed to someone else. Use it wherever
// correctness depends on exclusive ownership.
//
// Simple stores a token too but releases with a plain DEL. If the holder runs
// past the TTL, the key can expire, be taken by another caller and then be
// deleted by the first holder's Unlock, leaving the second caller unprotected.
// It is kept for cache rebuild coordination where that window only costs a
// duplicate load.
//
// Neither lock is reentrant and TryLock never waits: contention returns false
// and the caller picks its own backoff.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/internal/ownertoken"
	"github.com/dcbickfo/flashsale/kv"
)

// KeyPrefix is prepended to every lock name.
const KeyPrefix = "lock:"

// ErrInvalidTTL is returned for non-positive lease durations.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Lock is one named lock as seen by one holder.
type Lock interface {
	// Key is the store key backing the lock.
	Key() string
	// TryLock reports whether the lock was acquired. It does not block.
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	// Unlock releases the lock. Releasing a lock that is already gone is a no-op.
	Unlock(ctx context.Context) error
}

// Factory builds a Lock for a name such as "order:42".
type Factory func(name string) Lock

// Strategy selects a Lock implementation.
type Strategy int

const (
	StrategySigned Strategy = iota
	StrategySimple
)

func (s Strategy) String() string {
	switch s {
	case StrategySigned:
		return "signed"
	case StrategySimple:
		return "simple"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseStrategy maps "signed" and "simple" to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "signed", "":
		return StrategySigned, nil
	case "simple":
		return StrategySimple, nil
	default:
		return 0, fmt.Errorf("unknown lock strategy %q", s)
	}
}

// Provider creates locks that share a store and an owner token source.
type Provider struct {
	store  kv.Store
	tokens *ownertoken.Source
	logger logger.Logger
}

func NewProvider(store kv.Store, l logger.Logger) *Provider {
	return &Provider{
		store:  store,
		tokens: ownertoken.New(""),
		logger: logger.Default(l),
	}
}

// Signed returns a compare-and-delete lock with a fresh owner token.
func (p *Provider) Signed(name string) *Signed {
	return &Signed{base: p.base(name)}
}

// Simple returns a best-effort lock released with an unconditional DEL.
func (p *Provider) Simple(name string) *Simple {
	return &Simple{base: p.base(name)}
}

// Factory returns a Factory for strategy.
func (p *Provider) Factory(strategy Strategy) Factory {
	if strategy == StrategySimple {
		return func(name string) Lock { return p.Simple(name) }
	}
	return func(name string) Lock { return p.Signed(name) }
}

func (p *Provider) base(name string) base {
	return base{
		store:  p.store,
		key:    KeyPrefix + name,
		token:  p.tokens.Next(),
		logger: p.logger,
	}
}

type base struct {
	store  kv.Store
	key    string
	token  string
	logger logger.Logger
}

func (b *base) Key() string { return b.key }

// Token is the value written under Key while this holder owns the lock.
func (b *base) Token() string { return b.token }

func (b *base) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ok, err := b.store.SetNX(ctx, b.key, b.token, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", b.key, err)
	}
	if ok {
		b.logger.Debug("lock acquired", "key", b.key, "token", b.token)
	} else {
		b.logger.Debug("lock contention", "key", b.key)
	}
	return ok, nil
}

// Signed is the ownership-checked lock.
type Signed struct {
	base
}

var _ Lock = (*Signed)(nil)

func (s *Signed) Unlock(ctx context.Context) error {
	n, err := s.store.Eval(ctx, unlockScript, []string{s.key}, []string{s.token})
	if err != nil {
		return fmt.Errorf("release lock %q: %w", s.key, err)
	}
	if n == 0 {
		s.logger.Debug("lock not held at release", "key", s.key, "token", s.token)
	}
	return nil
}

// Refresh extends the lease to ttl and reports whether the lock was still ours.
func (s *Signed) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := s.store.Eval(ctx, refreshScript, []string{s.key},
		[]string{s.token, strconv.FormatInt(ttl.Milliseconds(), 10)})
	if err != nil {
		return false, fmt.Errorf("refresh lock %q: %w", s.key, err)
	}
	return n == 1, nil
}

// Simple is the best-effort lock. See the package documentation for its
// release race.
type Simple struct {
	base
}

var _ Lock = (*Simple)(nil)

func (s *Simple) Unlock(ctx context.Context) error {
	if _, err := s.store.Del(ctx, s.key); err != nil {
		return fmt.Errorf("release lock %q: %w", s.key, err)
	}
	return nil
}
