package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dcbickfo/flashsale/internal/config"
	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/internal/redistest"
	"github.com/dcbickfo/flashsale/metrics"
	"github.com/dcbickfo/flashsale/seckill"
	"github.com/dcbickfo/flashsale/seckill/gormstore"
)

func TestModule_Validates(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Module))
}

func TestNewZapLogger(t *testing.T) {
	lc := fxtest.NewLifecycle(t)

	_, err := NewZapLogger(lc, config.Config{Log: config.LogConfig{Level: "debug", Format: "console"}})
	assert.NoError(t, err)

	_, err = NewZapLogger(lc, config.Config{Log: config.LogConfig{Level: "loud"}})
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRestoreFastPath_OnStart(t *testing.T) {
	store, mr := redistest.New(t)
	cfg := config.Config{
		DB:      config.DBConfig{Driver: gormstore.DriverSQLite, DSN: filepath.Join(t.TempDir(), "seckill.db")},
		Cache:   config.CacheConfig{TTL: time.Minute, LockStrategy: "simple"},
		Seckill: config.SeckillConfig{Stream: seckill.DefaultStream},
	}
	lc := fxtest.NewLifecycle(t)
	db, err := NewDB(lc, cfg)
	require.NoError(t, err)
	uow := gormstore.New(db)
	require.NoError(t, uow.Within(t.Context(), func(ctx context.Context, tx seckill.Tx) error {
		return tx.Vouchers().Save(ctx, seckill.Voucher{ID: 7, Title: "coffee", Stock: 4})
	}))

	m := metrics.New(nil)
	svc, err := NewService(lc, cfg, store, uow, logger.NewZap(nil), m)
	require.NoError(t, err)
	restoreFastPath(lc, svc, logger.NewZap(nil))

	lc.RequireStart()
	stock, err := mr.Get(seckill.StockKey(7))
	require.NoError(t, err)
	assert.Equal(t, "4", stock)
	assert.True(t, mr.Exists(seckill.VoucherCachePrefix+"7"))
	lc.RequireStop()
}

func TestNewService_RejectsUnknownLockStrategy(t *testing.T) {
	store, _ := redistest.New(t)
	cfg := config.Config{Cache: config.CacheConfig{LockStrategy: "optimistic"}}

	_, err := NewService(fxtest.NewLifecycle(t), cfg, store, nil, logger.NewZap(nil), nil)
	assert.ErrorContains(t, err, "CACHE_LOCK_STRATEGY")
}
