package seckill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dcbickfo/flashsale"
	"github.com/dcbickfo/flashsale/idgen"
	"github.com/dcbickfo/flashsale/internal/clock"
	"github.com/dcbickfo/flashsale/internal/contextx"
	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/kv"
	"github.com/dcbickfo/flashsale/metrics"
)

// VoucherCachePrefix is the cache key prefix of vouchers.
const VoucherCachePrefix = "cache:voucher:"

// ServiceOption configures a Service.
type ServiceOption struct {
	// Stream defaults to DefaultStream.
	Stream string

	// IDBusiness is the id generator key of orders. Defaults to "order".
	IDBusiness string

	// VoucherCache configures the voucher cache. Prefix defaults to
	// VoucherCachePrefix; Clock, Logger and Metrics default to the service's.
	VoucherCache flashsale.CacheOption[Voucher]

	Admission AdmissionOption

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Service is the purchase entry point. The caller's user id is always passed
// in explicitly; the service never resolves identity itself.
type Service struct {
	uow       UnitOfWork
	admission *Admission
	producer  *Producer
	ids       *idgen.Worker
	vouchers  *flashsale.Cache[Voucher]
	biz       string
	clock     clock.Clock
	logger    logger.Logger
	metrics   *metrics.Metrics
}

func NewService(store kv.Store, uow UnitOfWork, opt ServiceOption) (*Service, error) {
	if opt.IDBusiness == "" {
		opt.IDBusiness = "order"
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	l := logger.Default(opt.Logger)
	if opt.Admission.Logger == nil {
		opt.Admission.Logger = l
	}

	vc := opt.VoucherCache
	if vc.Prefix == "" {
		vc.Prefix = VoucherCachePrefix
	}
	if vc.Clock == nil {
		vc.Clock = opt.Clock
	}
	if vc.Logger == nil {
		vc.Logger = l
	}
	if vc.Metrics == nil {
		vc.Metrics = opt.Metrics
	}
	vouchers, err := flashsale.New[Voucher](store, vc)
	if err != nil {
		return nil, fmt.Errorf("voucher cache: %w", err)
	}

	return &Service{
		uow:       uow,
		admission: NewAdmission(store, opt.Admission),
		producer:  NewProducer(store, opt.Stream),
		ids:       idgen.New(store, idgen.WithClock(opt.Clock)),
		vouchers:  vouchers,
		biz:       opt.IDBusiness,
		clock:     opt.Clock,
		logger:    l,
		metrics:   opt.Metrics,
	}, nil
}

// Close stops the voucher cache's background work.
func (s *Service) Close(timeout time.Duration) error {
	return s.vouchers.Close(timeout)
}

// Purchase admits userID for one unit of voucherID and queues the order. The
// returned order id is a ticket: the order row appears once the consumer has
// persisted it, see OrderStatus.
func (s *Service) Purchase(ctx context.Context, userID, voucherID int64) (int64, error) {
	start := s.clock.Now()
	orderID, result, err := s.purchase(ctx, userID, voucherID)
	s.metrics.Admission(result, s.clock.Now().Sub(start).Seconds())
	return orderID, err
}

func (s *Service) purchase(ctx context.Context, userID, voucherID int64) (int64, string, error) {
	v, ok, err := s.Voucher(ctx, voucherID)
	if err != nil {
		return 0, "error", err
	}
	if !ok {
		return 0, "not_found", fmt.Errorf("%w: %d", ErrVoucherNotFound, voucherID)
	}
	if !v.Active(s.clock.Now()) {
		return 0, "inactive", fmt.Errorf("%w: voucher %d", ErrSaleNotActive, voucherID)
	}

	verdict, err := s.admission.Admit(ctx, userID, voucherID)
	if err != nil {
		return 0, "error", err
	}
	if verdict != Admitted {
		return 0, verdict.String(), verdict.Err()
	}

	orderID, err := s.ids.NextID(ctx, s.biz)
	if err != nil {
		s.revert(ctx, userID, voucherID, err)
		return 0, "error", err
	}
	intent := OrderIntent{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	if _, err := s.producer.Enqueue(ctx, intent); err != nil {
		s.revert(ctx, userID, voucherID, err)
		return 0, "error", err
	}
	s.logger.Debug("order queued", "orderId", orderID, "userId", userID, "voucherId", voucherID)
	return orderID, Admitted.String(), nil
}

// revert undoes an admission whose intent could not be queued, so the unit
// and the user's slot are not lost.
func (s *Service) revert(ctx context.Context, userID, voucherID int64, cause error) {
	cctx, cancel := contextx.WithCleanupTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.admission.Revert(cctx, userID, voucherID); err != nil {
		s.logger.Error("failed to revert admission",
			"userId", userID, "voucherId", voucherID, "cause", cause, "error", err)
		return
	}
	s.logger.Warn("admission reverted", "userId", userID, "voucherId", voucherID, "cause", cause)
}

// PublishVoucher stores v durably, seeds the fast-path stock and drops any
// cached copy.
func (s *Service) PublishVoucher(ctx context.Context, v Voucher) error {
	if v.Stock < 0 {
		return fmt.Errorf("publish voucher %d: negative stock %d", v.ID, v.Stock)
	}
	err := s.uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Vouchers().Save(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("publish voucher %d: %w", v.ID, err)
	}
	if err := s.admission.SeedStock(ctx, v.ID, v.Stock); err != nil {
		return err
	}
	return s.vouchers.Invalidate(ctx, voucherCacheID(v.ID))
}

// UpdateStock sets the durable stock, reseeds the fast-path counter and
// invalidates the cached voucher.
func (s *Service) UpdateStock(ctx context.Context, voucherID int64, stock int) error {
	if stock < 0 {
		return fmt.Errorf("update stock of voucher %d: negative stock %d", voucherID, stock)
	}
	err := s.uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Vouchers().SetStock(ctx, voucherID, stock)
	})
	if err != nil {
		return fmt.Errorf("update stock of voucher %d: %w", voucherID, err)
	}
	if err := s.admission.SeedStock(ctx, voucherID, stock); err != nil {
		return err
	}
	return s.vouchers.Invalidate(ctx, voucherCacheID(voucherID))
}

// RestoreFastPath prepares the store for sales after a start: every voucher
// still on sale gets its stock counter seeded from the durable stock, unless
// a counter already exists, and is written to the voucher cache. It returns
// how many counters were seeded. Failures are collected per voucher in a
// *flashsale.BatchError.
func (s *Service) RestoreFastPath(ctx context.Context) (int, error) {
	var all []Voucher
	err := s.uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		all, err = tx.Vouchers().List(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("restore fast path: %w", err)
	}

	now := s.clock.Now()
	seeded := 0
	failed := make(map[string]error)
	var succeeded []string
	for _, v := range all {
		if !v.EndAt.IsZero() && !now.Before(v.EndAt) {
			continue
		}
		id := voucherCacheID(v.ID)
		ok, err := s.admission.SeedStockIfAbsent(ctx, v.ID, v.Stock)
		if err != nil {
			failed[id] = err
			continue
		}
		if ok {
			seeded++
		}
		if err := s.vouchers.Set(ctx, id, v, 0); err != nil {
			failed[id] = err
			continue
		}
		succeeded = append(succeeded, id)
	}
	s.logger.Info("seckill fast path restored", "vouchers", len(succeeded), "seeded", seeded, "failed", len(failed))
	return seeded, flashsale.NewBatchError(failed, succeeded)
}

// Voucher reads a voucher through the cache.
func (s *Service) Voucher(ctx context.Context, voucherID int64) (Voucher, bool, error) {
	return s.vouchers.QueryPassThrough(ctx, voucherCacheID(voucherID), s.loadVoucher)
}

func (s *Service) loadVoucher(ctx context.Context, id string) (Voucher, bool, error) {
	vid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Voucher{}, false, nil
	}
	var (
		v  Voucher
		ok bool
	)
	err = s.uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		v, ok, err = tx.Vouchers().FindByID(ctx, vid)
		return err
	})
	return v, ok, err
}

// OrderStatus reports whether the order behind a purchase ticket is persisted.
func (s *Service) OrderStatus(ctx context.Context, orderID int64) (Status, error) {
	var found bool
	err := s.uow.Within(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		_, found, err = tx.Orders().FindByID(ctx, orderID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("order status %d: %w", orderID, err)
	}
	if found {
		return StatusPersisted, nil
	}
	return StatusPending, nil
}

func voucherCacheID(id int64) string {
	return strconv.FormatInt(id, 10)
}
