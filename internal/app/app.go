// Package app wires configuration into running services: the HTTP API, the
// background worker (Submission Queue drain, Polling Coordinator, and
// Housekeeper), or both in a single process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bulkforge/orchestrator/internal/audit"
	"github.com/bulkforge/orchestrator/internal/config"
	"github.com/bulkforge/orchestrator/internal/httpserver"
	"github.com/bulkforge/orchestrator/internal/platform"
	"github.com/bulkforge/orchestrator/internal/seed"
	"github.com/bulkforge/orchestrator/internal/telemetry"
	"github.com/bulkforge/orchestrator/pkg/alerting"
	"github.com/bulkforge/orchestrator/pkg/housekeeper"
	"github.com/bulkforge/orchestrator/pkg/job"
	"github.com/bulkforge/orchestrator/pkg/polling"
	"github.com/bulkforge/orchestrator/pkg/submission"
	"github.com/bulkforge/orchestrator/pkg/tokenpool"
	"github.com/bulkforge/orchestrator/pkg/upload"
	"github.com/bulkforge/orchestrator/pkg/upstreamapi"
	"github.com/bulkforge/orchestrator/pkg/user"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, int32(cfg.DBConnectionPool))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, pool, rdb)
	case "all":
		errCh := make(chan error, 2)
		workerCtx, cancelWorker := context.WithCancel(ctx)
		defer cancelWorker()
		go func() { errCh <- runWorker(workerCtx, cfg, logger, pool, rdb) }()
		go func() { errCh <- runAPI(ctx, cfg, logger, pool, rdb, metricsReg) }()
		err := <-errCh
		cancelWorker()
		return err
	case "seed":
		return seed.Run(ctx, pool, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func buildComponents(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (*tokenpool.Pool, *upstreamapi.Client, *upload.Uploader, *polling.Coordinator, *submission.Queue) {
	tokens := tokenpool.New(pool, tokenpool.Config{
		BatchSize:         cfg.BatchSize,
		ErrorWindow:       time.Duration(cfg.ErrorWindowMinutes) * time.Minute,
		ErrorThreshold:    cfg.ErrorThreshold,
		Cooldown:          time.Duration(cfg.CooldownHours) * time.Hour,
		VideosPerBatch:    cfg.BatchSize,
		BatchDelaySeconds: cfg.RetryDelaySeconds,
	}, rdb, logger)

	upAPI := upstreamapi.New(cfg.UpstreamBaseURL, cfg.UpstreamProject, cfg.UpstreamConnectionPool)

	uploader := upload.New(&http.Client{Timeout: 60 * time.Second}, cfg.MediaHostUploadURL, cfg.MediaHostUploadPreset, logger, rdb)

	coordinator := polling.New(pool, tokens, upAPI, uploader, logger)

	queue := submission.New(pool, tokens, upAPI, coordinator, logger, rdb, cfg.BatchSize, time.Duration(cfg.RetryDelaySeconds)*time.Second)

	return tokens, upAPI, uploader, coordinator, queue
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	tokens, upAPI, uploader, coordinator, queue := buildComponents(cfg, pool, rdb, logger)

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, pool, rdb, metricsReg)

	srv.Router.Get("/status", srv.HandleStatus)

	jobService := job.New(pool, tokens, queue, coordinator, uploader, upAPI, logger)
	jobHandler := job.NewHandler(pool, jobService, auditWriter, logger)
	srv.APIRouter.Mount("/jobs", jobHandler.Routes())

	userHandler := user.NewHandler(pool, logger, auditWriter)
	srv.APIRouter.Mount("/users", userHandler.Routes())

	tokenHandler := tokenpool.NewHandler(logger, auditWriter, tokens)
	srv.APIRouter.Mount("/admin/tokens", tokenHandler.Routes())

	auditHandler := audit.NewHandler(logger, pool)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the crash-recovery sweep once, then starts the
// Housekeeper's periodic tasks (daily quota reset, hourly failure-rate
// alerting). Beyond recovery, the Submission Queue and Polling Coordinator
// are driven by Enqueue/EnqueueStatusCheck calls from the API's job
// handlers, not by a standalone loop.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	tokens, _, _, coordinator, queue := buildComponents(cfg, pool, rdb, logger)
	if err := tokens.LoadErrorHistory(ctx); err != nil {
		logger.Error("loading token error history", "error", err)
	}
	if err := queue.Recover(ctx); err != nil {
		logger.Error("recovering stale pending jobs", "error", err)
	}
	if err := coordinator.Recover(ctx); err != nil {
		logger.Error("recovering stale queued jobs", "error", err)
	}

	notifier := alerting.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	hk := housekeeper.New(pool, notifier, logger, cfg.DailyResetTimezone, cfg.FailureRateAlert)
	hk.Run(ctx)

	return nil
}
