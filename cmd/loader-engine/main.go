// Command loader-engine runs the ETL loader scheduler process: it wires the
// Source Registry, Privilege Inspector, Watermark Planner, Query Runner,
// Ingestion Sink, and Loader Executor into the Scheduler's fixed-tick
// dispatch loop and the Recovery Sweeper's independent tick, then serves
// /metrics and /health until it receives a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"loaderengine/internal/activity"
	"loaderengine/internal/admin"
	"loaderengine/internal/executor"
	"loaderengine/internal/planner"
	"loaderengine/internal/privilege"
	"loaderengine/internal/query"
	"loaderengine/internal/registry"
	"loaderengine/internal/scheduler"
	"loaderengine/internal/sink"
	"loaderengine/internal/store"
	"loaderengine/internal/sweeper"
	"loaderengine/pkg/config"
	"loaderengine/pkg/database"
	"loaderengine/pkg/logger"
	"loaderengine/pkg/metrics"
	"loaderengine/pkg/secret"
	"loaderengine/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("failed to init telemetry", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Log.Warn("failed to shutdown telemetry", "error", err)
				}
			}()
		}
	}

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.App.Name)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		migrator := database.NewMigrator(db.Pool(), store.MigrationsFS, store.MigrationsDir)
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	box, err := secret.NewBox(cfg.Secret.MasterKey)
	if err != nil {
		logger.Fatal("failed to init secret box", "error", err)
	}

	loaderStore := store.NewLoaderStore(db)
	lockStore := store.NewLockStore(db)

	reg := registry.New(loaderStore, box, cfg.Source.PoolMax)
	defer reg.Close()

	inspector := privilege.New(reg)
	plan := planner.New(loaderStore, cfg.Scheduler.DefaultLookback())
	runner := query.New(reg, box)
	snk := sink.New(db)

	var publisher executor.ActivityPublisher
	if cfg.Activity.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Activity.RedisAddr,
			Password: cfg.Activity.RedisPassword,
			DB:       cfg.Activity.RedisDB,
		})
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			logger.Fatal("failed to connect to activity redis", "error", err)
		}
		defer rdb.Close()
		publisher = activity.New(rdb, cfg.Activity.Stream)
	}

	heartbeatPeriod := cfg.Recovery.StaleLockThreshold() / 2
	exec := executor.New(loaderStore, inspector, plan, runner, snk, publisher, m, heartbeatPeriod)

	sched := scheduler.New(loaderStore, plan, exec, m, cfg.Scheduler.Tick(), cfg.Scheduler.WorkerPoolSize)
	sweep := sweeper.New(lockStore, m, cfg.Recovery.Tick(), cfg.Recovery.StaleLockThreshold(), cfg.Recovery.FailedGrace())

	go sched.Run(ctx)
	go sweep.Run(ctx)

	if cfg.Admin.Enabled {
		adminSrv := admin.New(loaderStore, publisher)
		go func() {
			if err := adminSrv.ListenAndServe(cfg.Admin.Port); err != nil {
				logger.Log.Warn("admin server stopped", "error", err)
			}
		}()
	}

	logger.Info("loader engine started",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"tick_interval_ms", cfg.Scheduler.TickIntervalMs,
		"worker_pool_size", cfg.Scheduler.WorkerPoolSize,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("loader engine stopped")
}
