// Package seckill implements the flash-sale purchase pipeline.
//
// A purchase runs in two halves. Service.Purchase is synchronous: one Lua
// script checks stock and the one-order-per-user rule inside the store and
// reserves the unit, an order id is generated and the OrderIntent is appended
// to a stream. The caller gets the order id back without waiting for the
// database.
//
// Consumer drains the stream in a consumer group. For each intent it takes the
// signed per-user lock "lock:order:<userID>", runs CreateOrder in one
// transaction and acknowledges the entry only after the commit. A crash
// between commit and acknowledgement causes a redelivery that CreateOrder
// recognises as a duplicate, so persistence is at-least-once and idempotent.
//
// The durable store is authoritative for stock. The counter in the remote
// store is a fast-path approximation that keeps most losers away from the
// database; CreateOrder decrements the durable stock again and rejects the
// order if it is exhausted.
package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrInsufficientStock is returned when the voucher is sold out.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicatePurchase is returned when the user already holds an order
	// for the voucher.
	ErrDuplicatePurchase = errors.New("duplicate purchase")

	// ErrLockContention is returned by the consumer when the per-user lock
	// stayed held for every attempt.
	ErrLockContention = errors.New("per-user order lock is held")

	// ErrPersistence marks failures writing an order to the durable store.
	ErrPersistence = errors.New("order persistence failed")

	// ErrCircuitOpen is returned while the admission breaker is open.
	ErrCircuitOpen = errors.New("admission circuit open")

	// ErrVoucherNotFound is returned for vouchers that were never published.
	ErrVoucherNotFound = errors.New("voucher not found")

	// ErrSaleNotActive is returned outside the voucher's sale window.
	ErrSaleNotActive = errors.New("sale is not active")

	// ErrMalformedIntent is returned for stream entries that do not decode.
	ErrMalformedIntent = errors.New("malformed order intent")
)

// OrderIntent is an admitted purchase waiting to be persisted.
type OrderIntent struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

const (
	fieldOrderID   = "id"
	fieldUserID    = "userId"
	fieldVoucherID = "voucherId"
)

// Fields encodes the intent as stream entry fields.
func (o OrderIntent) Fields() map[string]string {
	return map[string]string{
		fieldOrderID:   strconv.FormatInt(o.OrderID, 10),
		fieldUserID:    strconv.FormatInt(o.UserID, 10),
		fieldVoucherID: strconv.FormatInt(o.VoucherID, 10),
	}
}

// ParseIntent decodes stream entry fields written by Fields.
func ParseIntent(fields map[string]string) (OrderIntent, error) {
	var (
		o   OrderIntent
		err error
	)
	if o.OrderID, err = parseField(fields, fieldOrderID); err != nil {
		return OrderIntent{}, err
	}
	if o.UserID, err = parseField(fields, fieldUserID); err != nil {
		return OrderIntent{}, err
	}
	if o.VoucherID, err = parseField(fields, fieldVoucherID); err != nil {
		return OrderIntent{}, err
	}
	return o, nil
}

func parseField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedIntent, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrMalformedIntent, name, err)
	}
	return n, nil
}

// Order is a persisted purchase. There is at most one per (UserID, VoucherID).
type Order struct {
	ID        int64
	UserID    int64
	VoucherID int64
	CreatedAt time.Time
}

// Voucher is a flash-sale voucher. A zero BeginAt or EndAt leaves that side
// of the sale window open.
type Voucher struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Stock   int       `json:"stock"`
	BeginAt time.Time `json:"beginAt"`
	EndAt   time.Time `json:"endAt"`
}

// Active reports whether now is inside the sale window.
func (v Voucher) Active(now time.Time) bool {
	if !v.BeginAt.IsZero() && now.Before(v.BeginAt) {
		return false
	}
	if !v.EndAt.IsZero() && !now.Before(v.EndAt) {
		return false
	}
	return true
}

// Status is the caller-visible state of an order id.
type Status string

const (
	// StatusPending means the intent is queued or was dropped; the order
	// row does not exist yet.
	StatusPending Status = "PENDING"
	// StatusPersisted means the order row exists.
	StatusPersisted Status = "PERSISTED"
)

// UnitOfWork runs fn inside one durable-store transaction. fn's error rolls
// the transaction back and is returned unchanged.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Orders() OrderRepository
	Vouchers() VoucherRepository
}

type OrderRepository interface {
	CountByUserVoucher(ctx context.Context, userID, voucherID int64) (int64, error)
	// Insert returns an error matching ErrDuplicatePurchase when the
	// (user, voucher) pair already has an order.
	Insert(ctx context.Context, o Order) error
	FindByID(ctx context.Context, id int64) (Order, bool, error)
}

type VoucherRepository interface {
	FindByID(ctx context.Context, id int64) (Voucher, bool, error)
	// List returns every voucher ordered by id.
	List(ctx context.Context) ([]Voucher, error)
	// Save inserts or replaces the voucher.
	Save(ctx context.Context, v Voucher) error
	// DecrementStock runs stock = stock - 1 WHERE stock > 0 and reports
	// whether a row changed.
	DecrementStock(ctx context.Context, id int64) (bool, error)
	SetStock(ctx context.Context, id int64, stock int) error
}

// CreateOrder persists intent in one transaction: it re-checks the
// one-order-per-user rule, decrements durable stock and inserts the order.
// It returns ErrDuplicatePurchase or ErrInsufficientStock for business
// rejections; nothing is written in either case.
func CreateOrder(ctx context.Context, uow UnitOfWork, intent OrderIntent, now time.Time) error {
	return uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.Orders().CountByUserVoucher(ctx, intent.UserID, intent.VoucherID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicatePurchase
		}
		ok, err := tx.Vouchers().DecrementStock(ctx, intent.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientStock
		}
		return tx.Orders().Insert(ctx, Order{
			ID:        intent.OrderID,
			UserID:    intent.UserID,
			VoucherID: intent.VoucherID,
			CreatedAt: now,
		})
	})
}
