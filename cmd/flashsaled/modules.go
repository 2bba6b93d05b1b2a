package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dcbickfo/flashsale"
	"github.com/dcbickfo/flashsale/internal/config"
	"github.com/dcbickfo/flashsale/internal/logger"
	"github.com/dcbickfo/flashsale/kv"
	"github.com/dcbickfo/flashsale/lock"
	"github.com/dcbickfo/flashsale/metrics"
	"github.com/dcbickfo/flashsale/seckill"
	"github.com/dcbickfo/flashsale/seckill/gormstore"
)

var Module = fx.Options(
	ConfigModule,
	LoggerModule,
	RedisModule,
	DBModule,
	MetricsModule,
	SeckillModule,
)

var ConfigModule = fx.Module("config",
	fx.Provide(config.Load),
)

var LoggerModule = fx.Module("logger",
	fx.Provide(
		NewZapLogger,
		func(z *zap.Logger) logger.Logger { return logger.NewZap(z) },
	),
)

var RedisModule = fx.Module("redis",
	fx.Provide(
		NewRedis,
		func(r *kv.Redis) kv.Store { return r },
		func(s kv.Store, l logger.Logger) *lock.Provider { return lock.NewProvider(s, l) },
	),
)

var DBModule = fx.Module("db",
	fx.Provide(
		NewDB,
		func(db *gorm.DB) seckill.UnitOfWork { return gormstore.New(db) },
	),
)

var MetricsModule = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		func(reg *prometheus.Registry) *metrics.Metrics { return metrics.New(reg) },
	),
	fx.Invoke(startMetricsServer),
)

var SeckillModule = fx.Module("seckill",
	fx.Provide(
		NewService,
		NewConsumer,
	),
	fx.Invoke(restoreFastPath, runConsumer),
)

func NewZapLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	z, err := zc.Build()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = z.Sync()
			return nil
		},
	})
	return z, nil
}

func NewRedis(lc fx.Lifecycle, cfg config.Config, l logger.Logger) (*kv.Redis, error) {
	r, err := kv.Open(rueidis.ClientOption{
		InitAddress:  cfg.Redis.Addrs,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DisableCache: cfg.Redis.DisableCache,
	}, kv.Options{Logger: l})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			return nil
		},
	})
	return r, nil
}

func NewDB(lc fx.Lifecycle, cfg config.Config) (*gorm.DB, error) {
	db, err := gormstore.Open(gormstore.Config{
		Driver:       cfg.DB.Driver,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return gormstore.Close(db)
		},
	})
	return db, nil
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func startMetricsServer(lc fx.Lifecycle, cfg config.Config, reg *prometheus.Registry, l logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			l.Info("metrics server starting", "addr", srv.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					l.Error("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func NewService(lc fx.Lifecycle, cfg config.Config, store kv.Store, uow seckill.UnitOfWork, l logger.Logger, m *metrics.Metrics) (*seckill.Service, error) {
	strategy, err := lock.ParseStrategy(cfg.Cache.LockStrategy)
	if err != nil {
		return nil, fmt.Errorf("CACHE_LOCK_STRATEGY: %w", err)
	}
	svc, err := seckill.NewService(store, uow, seckill.ServiceOption{
		Stream: cfg.Seckill.Stream,
		VoucherCache: flashsale.CacheOption[seckill.Voucher]{
			TTL:            cfg.Cache.TTL,
			NullTTL:        cfg.Cache.NullTTL,
			LockTTL:        cfg.Cache.LockTTL,
			ClientCacheTTL: cfg.Cache.ClientCacheTTL,
			RebuildWorkers: cfg.Cache.RebuildWorkers,
			LockStrategy:   strategy,
		},
		Logger:  l,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return svc.Close(5 * time.Second)
		},
	})
	return svc, nil
}

func NewConsumer(cfg config.Config, store kv.Store, uow seckill.UnitOfWork, locks *lock.Provider, l logger.Logger, m *metrics.Metrics) (*seckill.Consumer, error) {
	return seckill.NewConsumer(store, uow, locks, seckill.ConsumerOption{
		Stream:          cfg.Seckill.Stream,
		Group:           cfg.Seckill.Group,
		Consumer:        cfg.Seckill.Consumer,
		Block:           cfg.Seckill.Block,
		LockTTL:         cfg.Seckill.LockTTL,
		MaxAttempts:     cfg.Seckill.MaxAttempts,
		RetryWindow:     cfg.Seckill.RetryWindow,
		ErrorBackoff:    cfg.Seckill.ErrorBackoff,
		MaxErrorBackoff: cfg.Seckill.MaxErrorBackoff,
		Logger:          l,
		Metrics:         m,
	})
}

// restoreFastPath seeds missing stock counters and warms the voucher cache
// before the consumer starts. Vouchers that fail are logged and skipped; a
// durable store that cannot be read fails the start.
func restoreFastPath(lc fx.Lifecycle, svc *seckill.Service, l logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := svc.RestoreFastPath(ctx)
			var be *flashsale.BatchError
			if errors.As(err, &be) {
				l.Warn("some vouchers were not restored", "error", err)
				return nil
			}
			return err
		},
	})
}

// runConsumer runs the consumer for the lifetime of the app.
func runConsumer(lc fx.Lifecycle, c *seckill.Consumer, l logger.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := c.Setup(startCtx); err != nil {
				cancel()
				return err
			}
			go func() {
				defer close(done)
				if err := c.Run(ctx); err != nil {
					l.Error("order consumer exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
