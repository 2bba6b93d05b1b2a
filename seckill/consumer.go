package seckill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/internal/contextx"
	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/kv"
	"github.com/dcbickfo/flashsale/lock"
	"github.com/dcbickfo/flashsale/metrics"
)

// Consumer outcomes, also used as metric labels.
const (
	OutcomePersisted    = "persisted"
	OutcomeDropped      = "dropped"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// ConsumerOption configures a Consumer. Everything has a default.
type ConsumerOption struct {
	// Stream defaults to DefaultStream.
	Stream string
	// Group defaults to "g1".
	Group string
	// Consumer names this member of the group. It must be stable across
	// restarts of the same process so its pending list is picked up again.
	// Defaults to the host name.
	Consumer string

	// Block is the bounded wait of one stream read. Defaults to 2 seconds.
	Block time.Duration

	// LockTTL is the lease of the per-user lock. Defaults to 10 seconds.
	LockTTL time.Duration
	// LockAttempts and LockRetryInterval bound how long a message waits for
	// the per-user lock. Defaults are 3 attempts 50ms apart.
	LockAttempts      int
	LockRetryInterval time.Duration

	// MaxAttempts is how many times a message may lose the per-user lock
	// before it is moved to DeadLetterStream. Defaults to 5.
	MaxAttempts int
	// RetryWindow is how long a message may keep failing for any other
	// reason, measured from its first failure, before it is dead-lettered.
	// Defaults to 15 minutes.
	RetryWindow time.Duration
	// DeadLetterStream defaults to Stream + ".dlq".
	DeadLetterStream string

	// ErrorBackoff is the first pause after a failed delivery before the
	// pending list is read again. It doubles on every consecutive failure up
	// to MaxErrorBackoff. Defaults are 100ms and 30 seconds.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Consumer persists order intents from the stream. Run it on one goroutine;
// failure counts are kept in memory and restart from zero with the process.
type Consumer struct {
	store     kv.Store
	uow       UnitOfWork
	locks     *lock.Provider
	admission *Admission
	opt       ConsumerOption
	failures  map[string]*failure
	clock     clock.Clock
	logger    logger.Logger
	metrics   *metrics.Metrics
}

// failure tracks one pending entry that has not been handled yet.
type failure struct {
	contention int
	first      time.Time
}

func NewConsumer(store kv.Store, uow UnitOfWork, locks *lock.Provider, opt ConsumerOption) (*Consumer, error) {
	if uow == nil {
		return nil, errors.New("consumer needs a unit of work")
	}
	if opt.Stream == "" {
		opt.Stream = DefaultStream
	}
	if opt.Group == "" {
		opt.Group = "g1"
	}
	if opt.Consumer == "" {
		opt.Consumer = defaultConsumerName()
	}
	if opt.Block <= 0 {
		opt.Block = 2 * time.Second
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = 10 * time.Second
	}
	if opt.LockAttempts <= 0 {
		opt.LockAttempts = 3
	}
	if opt.LockRetryInterval <= 0 {
		opt.LockRetryInterval = 50 * time.Millisecond
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 5
	}
	if opt.RetryWindow <= 0 {
		opt.RetryWindow = 15 * time.Minute
	}
	if opt.DeadLetterStream == "" {
		opt.DeadLetterStream = opt.Stream + ".dlq"
	}
	if opt.ErrorBackoff <= 0 {
		opt.ErrorBackoff = 100 * time.Millisecond
	}
	if opt.MaxErrorBackoff <= 0 {
		opt.MaxErrorBackoff = 30 * time.Second
	}
	opt.MaxErrorBackoff = max(opt.MaxErrorBackoff, opt.ErrorBackoff)
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	l := logger.Default(opt.Logger)
	if locks == nil {
		locks = lock.NewProvider(store, l)
	}
	return &Consumer{
		store:     store,
		uow:       uow,
		locks:     locks,
		admission: NewAdmission(store, AdmissionOption{Logger: l}),
		opt:       opt,
		failures:  make(map[string]*failure),
		clock:     opt.Clock,
		logger:    l,
		metrics:   opt.Metrics,
	}, nil
}

func defaultConsumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "c-" + uuid.NewString()
}

// Name is the consumer's name within its group.
func (c *Consumer) Name() string { return c.opt.Consumer }

// Setup creates the stream and the consumer group if they do not exist.
func (c *Consumer) Setup(ctx context.Context) error {
	if err := c.store.XGroupCreate(ctx, c.opt.Stream, c.opt.Group, "0"); err != nil {
		return fmt.Errorf("create consumer group %q: %w", c.opt.Group, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. It first drains this consumer's
// pending list, then reads new entries; after any failure it drains the
// pending list again before going back to the head of the stream.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}
	c.logger.Info("order consumer started", "stream", c.opt.Stream, "group", c.opt.Group, "consumer", c.opt.Consumer)

	c.recover(ctx)
	for ctx.Err() == nil {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("order consumer failed", "stream", c.opt.Stream, "error", err)
			c.recover(ctx)
		}
	}
	c.logger.Info("order consumer stopped", "consumer", c.opt.Consumer)
	return nil
}

// Poll waits up to Block for one new entry and handles it. It reports
// whether an entry arrived.
func (c *Consumer) Poll(ctx context.Context) (bool, error) {
	entries, err := c.store.XReadGroup(ctx, c.readArgs(">", c.opt.Block))
	if kv.IsNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if err := c.handle(ctx, e); err != nil {
			return true, err
		}
	}
	return true, nil
}

// DrainPending handles this consumer's delivered but unacknowledged entries,
// oldest first, until the list is empty. It stops at the first failure.
func (c *Consumer) DrainPending(ctx context.Context) error {
	for {
		entries, err := c.store.XReadGroup(ctx, c.readArgs("0", 0))
		if kv.IsNil(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := c.handle(ctx, e); err != nil {
				return err
			}
		}
	}
}

// recover drains the pending list, backing off exponentially between
// failed passes. Every entry is eventually persisted or dead-lettered, by
// MaxAttempts or by RetryWindow, so the loop ends.
func (c *Consumer) recover(ctx context.Context) {
	c.metrics.BacklogDrain()
	backoff := c.opt.ErrorBackoff
	for {
		err := c.DrainPending(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.Error("pending order failed", "stream", c.opt.Stream, "retryIn", backoff, "error", err)
		if contextx.Sleep(ctx, backoff) != nil {
			return
		}
		backoff = min(2*backoff, c.opt.MaxErrorBackoff)
	}
}

func (c *Consumer) readArgs(id string, block time.Duration) kv.ReadGroupArgs {
	return kv.ReadGroupArgs{
		Stream:   c.opt.Stream,
		Group:    c.opt.Group,
		Consumer: c.opt.Consumer,
		ID:       id,
		Count:    1,
		Block:    block,
	}
}

// handle persists one entry and acknowledges it. An error leaves the entry
// pending for the next drain.
func (c *Consumer) handle(ctx context.Context, e kv.Entry) error {
	intent, err := ParseIntent(e.Fields)
	if err != nil {
		return c.deadLetter(ctx, e, err)
	}

	start := c.clock.Now()
	outcome, err := c.persist(ctx, intent)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if c.exhausted(e.ID, err) {
			return c.deadLetter(ctx, e, err)
		}
		c.metrics.Consumed(OutcomeFailed, 0)
		return fmt.Errorf("order %d: %w", intent.OrderID, err)
	}

	if outcome == OutcomeRejected {
		c.release(ctx, intent)
	}
	if err := c.ack(ctx, e.ID); err != nil {
		return err
	}
	delete(c.failures, e.ID)
	c.metrics.Consumed(outcome, c.clock.Now().Sub(start).Seconds())
	c.logger.Debug("order handled", "orderId", intent.OrderID, "userId", intent.UserID, "outcome", outcome)
	return nil
}

// exhausted records a failed delivery of id and reports whether the entry
// has used up its retries. Lock contention counts against MaxAttempts; any
// other failure, such as the durable store being down, is retried until
// RetryWindow has passed since the first one.
func (c *Consumer) exhausted(id string, err error) bool {
	f, ok := c.failures[id]
	if !ok {
		f = &failure{first: c.clock.Now()}
		c.failures[id] = f
	}
	if errors.Is(err, ErrLockContention) {
		f.contention++
		return f.contention >= c.opt.MaxAttempts
	}
	return c.clock.Now().Sub(f.first) >= c.opt.RetryWindow
}

// persist runs CreateOrder under the per-user lock and classifies the result.
func (c *Consumer) persist(ctx context.Context, intent OrderIntent) (string, error) {
	l := c.locks.Signed("order:" + strconv.FormatInt(intent.UserID, 10))
	if err := c.acquire(ctx, l); err != nil {
		return "", err
	}
	defer func() {
		cctx, cancel := contextx.WithCleanupTimeout(ctx, c.opt.LockTTL)
		defer cancel()
		if err := l.Unlock(cctx); err != nil {
			c.logger.Error("failed to release order lock", "key", l.Key(), "error", err)
		}
	}()

	err := CreateOrder(ctx, c.uow, intent, c.clock.Now())
	switch {
	case err == nil:
		return OutcomePersisted, nil
	case errors.Is(err, ErrDuplicatePurchase):
		c.logger.Warn("duplicate order dropped", "orderId", intent.OrderID, "userId", intent.UserID, "voucherId", intent.VoucherID)
		return OutcomeDropped, nil
	case errors.Is(err, ErrInsufficientStock):
		c.logger.Warn("admitted order rejected by durable stock",
			"orderId", intent.OrderID, "userId", intent.UserID, "voucherId", intent.VoucherID)
		return OutcomeRejected, nil
	default:
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

func (c *Consumer) acquire(ctx context.Context, l *lock.Signed) error {
	for i := 0; i < c.opt.LockAttempts; i++ {
		if i > 0 {
			if err := contextx.Sleep(ctx, c.opt.LockRetryInterval); err != nil {
				return err
			}
		}
		ok, err := l.TryLock(ctx, c.opt.LockTTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrLockContention, l.Key())
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if _, err := c.store.XAck(ctx, c.opt.Stream, c.opt.Group, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// deadLetter copies e with its last error to the dead-letter stream and
// acknowledges it. The admission of a well-formed intent is reverted first,
// unless the order turns out to be persisted, so the user may buy again.
func (c *Consumer) deadLetter(ctx context.Context, e kv.Entry, cause error) error {
	fields := make(map[string]string, len(e.Fields)+5)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields["sourceId"] = e.ID
	fields["error"] = cause.Error()
	if f, ok := c.failures[e.ID]; ok {
		fields["contention"] = strconv.Itoa(f.contention)
		fields["firstFailure"] = f.first.UTC().Format(time.RFC3339Nano)
	}
	if intent, err := ParseIntent(e.Fields); err == nil {
		fields["reverted"] = strconv.FormatBool(c.compensate(ctx, intent))
	}

	if _, err := c.store.XAdd(ctx, c.opt.DeadLetterStream, fields); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	if err := c.ack(ctx, e.ID); err != nil {
		return err
	}
	delete(c.failures, e.ID)
	c.metrics.Consumed(OutcomeDeadLettered, 0)
	c.logger.Error("order moved to dead-letter stream",
		"id", e.ID, "stream", c.opt.DeadLetterStream, "error", cause)
	return nil
}

// compensate gives back the unit and the user's slot of an intent that will
// not be persisted. An order already in the durable store keeps both. When
// the durable store cannot be asked the admission is reverted anyway; the
// durable stock and per-user checks still guard a second purchase.
func (c *Consumer) compensate(ctx context.Context, intent OrderIntent) bool {
	cctx, cancel := contextx.WithCleanupTimeout(ctx, c.opt.LockTTL)
	defer cancel()

	var n int64
	err := c.uow.Within(cctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.Orders().CountByUserVoucher(ctx, intent.UserID, intent.VoucherID)
		return err
	})
	if err == nil && n > 0 {
		return false
	}
	if err != nil {
		c.logger.Warn("order lookup failed before revert",
			"orderId", intent.OrderID, "userId", intent.UserID, "voucherId", intent.VoucherID, "error", err)
	}
	ok, err := c.admission.Revert(cctx, intent.UserID, intent.VoucherID)
	if err != nil {
		c.logger.Error("failed to revert admission",
			"orderId", intent.OrderID, "userId", intent.UserID, "voucherId", intent.VoucherID, "error", err)
		return false
	}
	return ok
}

// release frees the slot of a user whose order the durable stock rejected.
// The fast-path unit is not given back: the voucher is sold out.
func (c *Consumer) release(ctx context.Context, intent OrderIntent) {
	cctx, cancel := contextx.WithCleanupTimeout(ctx, c.opt.LockTTL)
	defer cancel()
	if _, err := c.admission.Release(cctx, intent.UserID, intent.VoucherID); err != nil {
		c.logger.Error("failed to release admission",
			"orderId", intent.OrderID, "userId", intent.UserID, "voucherId", intent.VoucherID, "error", err)
	}
}
