package gormstore

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jinzhu/copier"

	"github.com/dcbickfo/flashsale/seckill"
)

// orderRow is one persisted order. The unique index on (user_id, voucher_id)
// is the durable one-order-per-user rule.
type orderRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_orders_user_voucher,priority:1"`
	VoucherID int64     `gorm:"not null;uniqueIndex:idx_orders_user_voucher,priority:2;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (orderRow) TableName() string { return "voucher_orders" }

func (r orderRow) toDomain() (seckill.Order, error) {
	var o seckill.Order
	if err := copier.Copy(&o, &r); err != nil {
		return seckill.Order{}, errors.Wrapf(err, "map order %d", r.ID)
	}
	return o, nil
}

type voucherRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"size:255;not null;default:''"`
	Stock     int    `gorm:"not null;check:chk_vouchers_stock,stock >= 0"`
	BeginAt   time.Time
	EndAt     time.Time
	UpdatedAt time.Time
}

func (voucherRow) TableName() string { return "seckill_vouchers" }

func (r voucherRow) toDomain() (seckill.Voucher, error) {
	var v seckill.Voucher
	if err := copier.Copy(&v, &r); err != nil {
		return seckill.Voucher{}, errors.Wrapf(err, "map voucher %d", r.ID)
	}
	return v, nil
}

func voucherFromDomain(v seckill.Voucher) (voucherRow, error) {
	var r voucherRow
	if err := copier.Copy(&r, &v); err != nil {
		return voucherRow{}, errors.Wrapf(err, "map voucher %d", v.ID)
	}
	r.BeginAt = r.BeginAt.UTC()
	r.EndAt = r.EndAt.UTC()
	return r, nil
}
