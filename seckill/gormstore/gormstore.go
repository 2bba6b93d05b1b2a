// Package gormstore is the durable order and voucher store behind the seckill
// pipeline, built on GORM. SQLite (pure Go driver) is the default; Postgres is
// used in production.
package gormstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dcbickfo/flashsale/seckill"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres. Defaults to DriverSQLite.
	Driver string
	// DSN is a file path for SQLite and a connection string for Postgres.
	DSN string
	// MaxOpenConns defaults to 10 for Postgres. SQLite always uses one
	// connection so writers queue instead of failing with SQLITE_BUSY.
	MaxOpenConns int
	// Logger defaults to a silent GORM logger.
	Logger gormlogger.Interface
}

// Open connects, tunes the pool and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = gormlogger.Discard
	}
	gcfg := &gorm.Config{Logger: cfg.Logger, TranslateError: true}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(cfg.DSN, gcfg)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err == nil {
			err = tunePool(db, cfg.MaxOpenConns)
		}
	default:
		return nil, errors.Newf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	// Fail early if the parent directory is missing instead of a vague driver error.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	if err := tunePool(db, 1); err != nil {
		return nil, err
	}
	return db, nil
}

func tunePool(db *gorm.DB, maxOpen int) error {
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&voucherRow{}, &orderRow{}), "migrate seckill schema")
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Store is a seckill.UnitOfWork over a GORM database.
type Store struct {
	db *gorm.DB
}

var _ seckill.UnitOfWork = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Within runs fn in a transaction. fn's error is returned unchanged so
// callers can match the seckill sentinels.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx seckill.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, repos{db: tx})
	})
}

type repos struct {
	db *gorm.DB
}

func (r repos) Orders() seckill.OrderRepository     { return orders(r) }
func (r repos) Vouchers() seckill.VoucherRepository { return vouchers(r) }

type orders struct {
	db *gorm.DB
}

func (o orders) CountByUserVoucher(ctx context.Context, userID, voucherID int64) (int64, error) {
	var n int64
	err := o.db.WithContext(ctx).Model(&orderRow{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&n).Error
	return n, errors.Wrapf(err, "count orders of user %d voucher %d", userID, voucherID)
}

func (o orders) Insert(ctx context.Context, order seckill.Order) error {
	row := orderRow{
		ID:        order.ID,
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
		CreatedAt: order.CreatedAt.UTC(),
	}
	err := o.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		dup := errors.Wrapf(seckill.ErrDuplicatePurchase, "insert order %d", order.ID)
		return errors.WithSecondaryError(dup, err)
	}
	return errors.Wrapf(err, "insert order %d", order.ID)
}

func (o orders) FindByID(ctx context.Context, id int64) (seckill.Order, bool, error) {
	var row orderRow
	err := o.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return seckill.Order{}, false, nil
	}
	if err != nil {
		return seckill.Order{}, false, errors.Wrapf(err, "find order %d", id)
	}
	out, err := row.toDomain()
	return out, err == nil, err
}

type vouchers struct {
	db *gorm.DB
}

func (v vouchers) FindByID(ctx context.Context, id int64) (seckill.Voucher, bool, error) {
	var row voucherRow
	err := v.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return seckill.Voucher{}, false, nil
	}
	if err != nil {
		return seckill.Voucher{}, false, errors.Wrapf(err, "find voucher %d", id)
	}
	out, err := row.toDomain()
	return out, err == nil, err
}

func (v vouchers) List(ctx context.Context) ([]seckill.Voucher, error) {
	var rows []voucherRow
	if err := v.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list vouchers")
	}
	out := make([]seckill.Voucher, 0, len(rows))
	for _, row := range rows {
		voucher, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, voucher)
	}
	return out, nil
}

func (v vouchers) Save(ctx context.Context, voucher seckill.Voucher) error {
	row, err := voucherFromDomain(voucher)
	if err != nil {
		return err
	}
	err = v.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	return errors.Wrapf(err, "save voucher %d", voucher.ID)
}

func (v vouchers) DecrementStock(ctx context.Context, id int64) (bool, error) {
	res := v.db.WithContext(ctx).Model(&voucherRow{}).
		Where("id = ? AND stock > 0", id).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "decrement stock of voucher %d", id)
	}
	return res.RowsAffected == 1, nil
}

func (v vouchers) SetStock(ctx context.Context, id int64, stock int) error {
	res := v.db.WithContext(ctx).Model(&voucherRow{}).
		Where("id = ?", id).
		UpdateColumn("stock", stock)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "set stock of voucher %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(seckill.ErrVoucherNotFound, "set stock of voucher %d", id)
	}
	return nil
}

// isUniqueViolation matches translated GORM errors and the plain-text
// errors the pure Go SQLite driver sometimes returns.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
