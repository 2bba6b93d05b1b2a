package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/kv"
)

// Verdict is the admission script's reply.
type Verdict int64

const (
	Admitted          Verdict = 0
	InsufficientStock Verdict = 1
	DuplicatePurchase Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case InsufficientStock:
		return "no_stock"
	case DuplicatePurchase:
		return "duplicate"
	default:
		return "unknown(" + strconv.FormatInt(int64(v), 10) + ")"
	}
}

// Err maps a rejection to its sentinel error; Admitted maps to nil.
func (v Verdict) Err() error {
	switch v {
	case Admitted:
		return nil
	case InsufficientStock:
		return ErrInsufficientStock
	case DuplicatePurchase:
		return ErrDuplicatePurchase
	default:
		return fmt.Errorf("unexpected admission verdict %d", int64(v))
	}
}

// StockKey holds the fast-path stock counter of a voucher. The hash tag keeps
// it in the same cluster slot as BuyersKey.
func StockKey(voucherID int64) string {
	return "seckill:stock:{" + strconv.FormatInt(voucherID, 10) + "}"
}

// BuyersKey is the set of user ids admitted for a voucher.
func BuyersKey(voucherID int64) string {
	return "seckill:order:{" + strconv.FormatInt(voucherID, 10) + "}"
}

var (
	// admitScript reserves one unit for a user.
	// KEYS[1] stock, KEYS[2] buyers, ARGV[1] user id.
	// The buyer check runs first so a repeat attempt reports a duplicate even
	// after the voucher sold out. A missing stock key counts as sold out.
	admitScript = kv.NewScript("seckill.admit", `
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return 2
end
local stock = tonumber(redis.call("GET", KEYS[1]))
if stock == nil or stock <= 0 then
	return 1
end
redis.call("INCRBY", KEYS[1], -1)
redis.call("SADD", KEYS[2], ARGV[1])
return 0
`)

	// revertScript gives back a reservation whose intent was never queued.
	// KEYS[1] stock, KEYS[2] buyers, ARGV[1] user id. Returns 1 when reverted.
	revertScript = kv.NewScript("seckill.revert", `
if redis.call("SREM", KEYS[2], ARGV[1]) == 1 then
	redis.call("INCRBY", KEYS[1], 1)
	return 1
end
return 0
`)

	// releaseScript frees a user's slot without returning the unit, for
	// reservations the durable store could not honour.
	// KEYS[1] buyers, ARGV[1] user id. Returns 1 when released.
	releaseScript = kv.NewScript("seckill.release", `
return redis.call("SREM", KEYS[1], ARGV[1])
`)
)

// AdmissionOption configures the circuit breaker around the admission script.
type AdmissionOption struct {
	// BreakerMinRequests and BreakerFailureRatio decide when the breaker
	// trips. Defaults are 5 requests and 0.5.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64

	// BreakerInterval resets closed-state counts. Defaults to 10 seconds.
	BreakerInterval time.Duration

	// BreakerTimeout is how long the breaker stays open. Defaults to 30 seconds.
	BreakerTimeout time.Duration

	Logger logger.Logger
}

// Admission runs the atomic stock and one-per-user check in the store.
type Admission struct {
	store   kv.Store
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

func NewAdmission(store kv.Store, opt AdmissionOption) *Admission {
	if opt.BreakerMinRequests == 0 {
		opt.BreakerMinRequests = 5
	}
	if opt.BreakerFailureRatio <= 0 {
		opt.BreakerFailureRatio = 0.5
	}
	if opt.BreakerInterval <= 0 {
		opt.BreakerInterval = 10 * time.Second
	}
	if opt.BreakerTimeout <= 0 {
		opt.BreakerTimeout = 30 * time.Second
	}
	l := logger.Default(opt.Logger)

	a := &Admission{store: store, logger: l}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "seckill-admission",
		MaxRequests: 1,
		Interval:    opt.BreakerInterval,
		Timeout:     opt.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= opt.BreakerMinRequests && ratio >= opt.BreakerFailureRatio
		},
		// Only store failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, kv.ErrStore)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return a
}

// Admit reserves one unit of voucherID for userID. Rejections are returned as
// a Verdict with a nil error; the error is reserved for store failures and
// ErrCircuitOpen.
func (a *Admission) Admit(ctx context.Context, userID, voucherID int64) (Verdict, error) {
	res, err := a.breaker.Execute(func() (any, error) {
		return a.store.Eval(ctx, admitScript,
			[]string{StockKey(voucherID), BuyersKey(voucherID)},
			[]string{strconv.FormatInt(userID, 10)})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return 0, fmt.Errorf("admit user %d voucher %d: %w", userID, voucherID, err)
	}
	return Verdict(res.(int64)), nil
}

// Revert releases a reservation made by Admit. It reports false when the
// user held no reservation.
func (a *Admission) Revert(ctx context.Context, userID, voucherID int64) (bool, error) {
	n, err := a.store.Eval(ctx, revertScript,
		[]string{StockKey(voucherID), BuyersKey(voucherID)},
		[]string{strconv.FormatInt(userID, 10)})
	if err != nil {
		return false, fmt.Errorf("revert user %d voucher %d: %w", userID, voucherID, err)
	}
	return n == 1, nil
}

// Release frees userID's slot for voucherID but keeps the fast-path stock as
// it is. It reports false when the user held no reservation.
func (a *Admission) Release(ctx context.Context, userID, voucherID int64) (bool, error) {
	n, err := a.store.Eval(ctx, releaseScript,
		[]string{BuyersKey(voucherID)},
		[]string{strconv.FormatInt(userID, 10)})
	if err != nil {
		return false, fmt.Errorf("release user %d voucher %d: %w", userID, voucherID, err)
	}
	return n == 1, nil
}

// SeedStock sets the fast-path stock counter. The buyer set is left alone, so
// users admitted earlier stay admitted.
func (a *Admission) SeedStock(ctx context.Context, voucherID int64, stock int) error {
	if stock < 0 {
		return fmt.Errorf("seed stock for voucher %d: negative stock %d", voucherID, stock)
	}
	return a.store.Set(ctx, StockKey(voucherID), strconv.Itoa(stock), 0)
}

// SeedStockIfAbsent seeds the fast-path stock counter only when it does not
// exist, so a restart never overwrites a counter that sales have moved.
func (a *Admission) SeedStockIfAbsent(ctx context.Context, voucherID int64, stock int) (bool, error) {
	if stock < 0 {
		return false, fmt.Errorf("seed stock for voucher %d: negative stock %d", voucherID, stock)
	}
	ok, err := a.store.SetNX(ctx, StockKey(voucherID), strconv.Itoa(stock), 0)
	if err != nil {
		return false, fmt.Errorf("seed stock for voucher %d: %w", voucherID, err)
	}
	return ok, nil
}

// BreakerState is the admission breaker's current state.
func (a *Admission) BreakerState() gobreaker.State {
	return a.breaker.State()
}
