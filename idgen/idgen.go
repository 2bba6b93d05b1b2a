// Package idgen generates time-ordered 64-bit ids backed by a store counter.
//
// An id is
//
//	bit 63      sign, always 0
//	bits 62..32 seconds since Epoch (31 bits, good until 2090)
//	bits 31..0  per-day sequence from INCR icr:<biz>:<yyyy:MM:dd>
//
// The counter key changes at UTC midnight, so sequences restart daily
// without a reset step. Because the sequence never repeats within a day and
// the timestamp never repeats across days, ids are unique; they increase with
// the second and, within one second, with the counter.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/kv"
)

const (
	SequenceBits = 32
	maxSequence  = 1<<SequenceBits - 1
	maxSeconds   = 1<<(63-SequenceBits) - 1
)

// Epoch is 2022-01-01T00:00:00Z.
var Epoch = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrSequenceExhausted is returned once a business key has used all
	// 2^32-1 sequence values of a day.
	ErrSequenceExhausted = errors.New("id sequence exhausted for today")

	// ErrClockOutOfRange is returned for clocks before Epoch or past the
	// 31-bit timestamp range.
	ErrClockOutOfRange = errors.New("clock outside id timestamp range")
)

// Worker issues ids.
type Worker struct {
	store  kv.Store
	clock  clock.Clock
	prefix string
}

type Option func(*Worker)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithKeyPrefix replaces the counter key prefix "icr:".
func WithKeyPrefix(p string) Option {
	return func(w *Worker) { w.prefix = p }
}

func New(store kv.Store, opts ...Option) *Worker {
	w := &Worker{store: store, clock: clock.Real{}, prefix: "icr:"}
	for _, o := range opts {
		o(w)
	}
	return w
}

// NextID returns a new id for biz, e.g. "order".
func (w *Worker) NextID(ctx context.Context, biz string) (int64, error) {
	now := w.clock.Now().UTC()
	secs := now.Unix() - Epoch.Unix()
	if secs < 0 || secs > maxSeconds {
		return 0, fmt.Errorf("%w: %s", ErrClockOutOfRange, now.Format(time.RFC3339))
	}

	seq, err := w.store.Incr(ctx, w.counterKey(biz, now))
	if err != nil {
		return 0, fmt.Errorf("next id for %q: %w", biz, err)
	}
	if seq > maxSequence {
		return 0, fmt.Errorf("%w: %q", ErrSequenceExhausted, biz)
	}
	return secs<<SequenceBits | seq, nil
}

func (w *Worker) counterKey(biz string, now time.Time) string {
	return w.prefix + biz + ":" + now.Format("2006:01:02")
}

// Decompose splits id into its timestamp and sequence.
func Decompose(id int64) (time.Time, int64) {
	secs := id >> SequenceBits
	return Epoch.Add(time.Duration(secs) * time.Second), id & maxSequence
}
