package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"FollowUp/internal/api"
	"FollowUp/internal/config"
	"FollowUp/internal/db"
	"FollowUp/internal/email"
	"FollowUp/internal/idempotency"
	"FollowUp/internal/metrics"
	"FollowUp/internal/scheduler"
	"FollowUp/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Store
	// ------------------------------------------------
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store initialisation failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Idempotency Marker
	// ------------------------------------------------
	var marker idempotency.Marker = idempotency.NewMemory()
	if cfg.RedisAddr != "" {
		rm := idempotency.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rm.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rm.Ping(pingCtx); err != nil {
			// Claims fail open while redis is down.
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		pingCancel()
		marker = rm
	} else {
		logger.Warn("REDIS_ADDR not set, idempotency marker is process-local")
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender, err := newSender(ctx, cfg)
	if err != nil {
		logger.Fatal("email sender initialisation failed", zap.String("provider", cfg.EmailProvider), zap.Error(err))
	}

	renderer, err := email.NewRenderer()
	if err != nil {
		logger.Fatal("template parsing failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Dispatcher + Scheduler
	// ------------------------------------------------
	dispatcher := &worker.Dispatcher{
		Store:    store,
		Sender:   sender,
		Renderer: renderer,
		Marker:   marker,
		Limiter:  limiter,
		Log:      logger,
		ClaimTTL: cfg.MarkerClaimTTL,
		SentTTL:  cfg.MarkerSentTTL,
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval:       cfg.PollInterval,
		BatchSize:          cfg.BatchSize,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		BaseDelay:          cfg.RetryBaseDelay,
		BackoffFactor:      cfg.RetryBackoffFactor,
		MaxDelay:           cfg.RetryMaxDelay,
		StartupAttempts:    cfg.StartupAttempts,
		StartupDelay:       cfg.StartupDelay,
		DegradedThreshold:  cfg.DegradedThreshold,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	}, store, dispatcher, logger)

	if cfg.SchedulerAutoStart {
		// The API stays up so an operator can restart it.
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler did not start", zap.Error(err))
		}
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:     store,
		Scheduler: sched,
		Defaults: api.Defaults{
			Timezone:      cfg.DefaultTimezone,
			IntervalDays:  cfg.DefaultIntervalDays,
			MaxAttempts:   cfg.DefaultMaxAttempts,
			ImportMaxRows: cfg.ImportMaxRows,
		},
		Log: logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Let an in-flight cycle finish its sends and bookkeeping.
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// openStore connects the configured store and brings its schema up to date.
// Connection and migration are retried like timer installation, since the
// database often starts alongside the service.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	retry := func(name string, op func() error) error {
		b := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.StartupDelay), uint64(cfg.StartupAttempts-1)),
			ctx,
		)
		return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
			logger.Warn(name+" failed, retrying", zap.Duration("delay", d), zap.Error(err))
		})
	}

	switch cfg.StoreDriver {
	case "postgres":
		pg, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := retry("postgres migration", func() error { return pg.Migrate(ctx) }); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("postgres store ready")
		return pg, nil

	case "sqlite":
		s, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store ready", zap.String("path", cfg.SQLitePath))
		return s, nil

	case "dynamodb":
		d, err := db.NewDynamo(ctx, cfg.AWSRegion, cfg.DynamoEndpoint, cfg.DynamoAppTable, cfg.DynamoRecTable)
		if err != nil {
			return nil, err
		}
		if err := retry("dynamodb describe table", func() error { return d.Ping(ctx) }); err != nil {
			return nil, err
		}
		logger.Info("dynamodb store ready", zap.String("table", cfg.DynamoAppTable))
		return d, nil

	default:
		logger.Warn("using in-memory store, data is lost on restart")
		return db.NewMemory(), nil
	}
}

func newSender(ctx context.Context, cfg *config.Config) (email.Sender, error) {
	if cfg.EmailProvider == "ses" {
		s, err := email.NewSESSender(ctx, cfg.AWSRegion, cfg.EmailFrom)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.EmailFrom), nil
}
