// Package main provides the background worker entry point: job processors,
// the settings reload loop and the operational HTTP server.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/reseller-panel/internal/api"
	"github.com/reseller-panel/internal/automation"
	"github.com/reseller-panel/internal/config"
	"github.com/reseller-panel/internal/lock"
	"github.com/reseller-panel/internal/logging"
	"github.com/reseller-panel/internal/notify"
	"github.com/reseller-panel/internal/pool"
	"github.com/reseller-panel/internal/ratelimit"
	"github.com/reseller-panel/internal/storage"
	"github.com/reseller-panel/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	workerID := "worker-" + uuid.NewString()[:8]
	logger = logger.WithField("workerId", workerID)
	logger.Info("Reseller panel worker starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	accountRepo := storage.NewAccountRepository(postgres)
	operationRepo := storage.NewOperationRepository(postgres)
	settingsRepo := storage.NewSettingsRepository(postgres)
	refundRepo := storage.NewRefundRepository(postgres)

	locks, err := lock.NewRedisLock(redis.Client())
	if err != nil {
		logger.WithError(err).Fatal("Failed to create lock manager")
	}

	limiter, err := ratelimit.NewSlidingWindowLimiter(redis.Client())
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate limiter")
	}

	poolManager, err := pool.NewManager(&pool.ManagerConfig{
		Accounts: accountRepo,
		Locks:    locks,
		Limiter:  limiter,
		Settings: settingsRepo,
		Redis:    redis.Client(),
		WorkerID: workerID,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create pool manager")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := poolManager.ReloadSettings(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load runtime settings, using defaults")
	}

	queueManager := pool.NewQueueManager(poolManager, operationRepo, redis.Client(), logger)

	driver := automation.NewHTTPDriver(&automation.HTTPDriverConfig{
		BaseURL: cfg.Driver.BaseURL,
		Timeout: cfg.Driver.Timeout,
	})

	processor, err := worker.NewProcessor(&worker.ProcessorConfig{
		Ops:             operationRepo,
		Refunds:         refundRepo,
		Pool:            poolManager,
		Queue:           queueManager,
		Driver:          driver,
		Notifier:        notify.NewLogNotifier(logger),
		Concurrency:     cfg.Worker.Concurrency,
		ClaimRatePerSec: cfg.Worker.ClaimRatePerSec,
		PollInterval:    cfg.Worker.PollInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job processor")
	}

	if err := processor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start job processor")
	}

	go reloadSettingsLoop(ctx, poolManager, cfg.Worker.SettingsReloadInterval, logger)
	go cleanQueueLoop(ctx, queueManager, logger)

	opsServer := api.NewServer(&api.ServerConfig{
		Host:         cfg.Ops.Host,
		Port:         cfg.Ops.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, poolManager, queueManager, logger)

	go func() {
		if err := opsServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Operational server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := processor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Job processor did not stop cleanly")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Operational server did not stop cleanly")
	}

	logger.Info("Worker stopped")
}

// reloadSettingsLoop periodically re-reads runtime settings so tuning changes
// apply without a restart.
func reloadSettingsLoop(ctx context.Context, poolManager *pool.Manager, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := poolManager.ReloadSettings(ctx); err != nil {
				logger.WithError(err).Warn("Failed to reload runtime settings")
			}
		}
	}
}

// cleanQueueLoop periodically prunes wait-queue entries left behind by
// cancelled or crashed operations.
func cleanQueueLoop(ctx context.Context, queueManager *pool.QueueManager, logger *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := queueManager.CleanStaleEntries(ctx); err != nil {
				logger.WithError(err).Warn("Failed to clean wait queue")
			}
		}
	}
}
