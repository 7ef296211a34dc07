package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/migrations"
	"github.com/ekaya-inc/ekaya-ledger/pkg/audit"
	"github.com/ekaya-inc/ekaya-ledger/pkg/config"
	"github.com/ekaya-inc/ekaya-ledger/pkg/crypto"
	"github.com/ekaya-inc/ekaya-ledger/pkg/database"
	"github.com/ekaya-inc/ekaya-ledger/pkg/handlers"
	"github.com/ekaya-inc/ekaya-ledger/pkg/logging"
	"github.com/ekaya-inc/ekaya-ledger/pkg/middleware"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ledger/pkg/retry"
	"github.com/ekaya-inc/ekaya-ledger/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

// ledger bundles the services built at startup.
type ledger struct {
	Ledger    services.LedgerService
	Search    services.SearchService
	Forensics services.ForensicsService
}

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ekaya-ledger stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Env == "local" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "ekaya-ledger"), zap.String("version", cfg.Version)), nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("port", cfg.Port),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis_enabled", cfg.Redis.Host != ""),
		zap.String("fallback_sink", cfg.Ledger.FallbackSink),
		zap.String("forensics_timezone", cfg.Forensics.Timezone))

	cipher, err := crypto.NewService(cfg.EncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise encryption: %w", err)
	}

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db.StdDB(), migrations.FS, logger); err != nil {
		return err
	}

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := services.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	requests := middleware.NewRequestCounter()
	registry.MustRegister(requests)

	app := buildServices(cfg, db, rdb, cipher, metrics, logger)

	app.Ledger.Append(ctx, models.LogEvent{
		EventType: models.EventSystemStarted,
		Metadata: models.Metadata{
			"version":        cfg.Version,
			"ephemeral_key":  cipher.Degraded(),
			"redis_alerting": rdb != nil,
		},
	})

	if cfg.Ledger.VerifyOnStartup {
		go verifyOnStartup(ctx, app.Forensics, logger)
	}

	checks := map[string]handlers.Pinger{"database": db}
	if rdb != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger.Named("http"), requests)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-ledger", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	app.Ledger.Append(shutdownCtx, models.LogEvent{EventType: models.EventSystemStopped})
	return nil
}

func buildServices(
	cfg *config.Config,
	db *database.DB,
	rdb *redis.Client,
	cipher *crypto.Service,
	metrics *services.Metrics,
	logger *zap.Logger,
) *ledger {
	auditor := audit.NewSecurityAuditor(logger)

	var sink audit.DegradedSink = audit.NopSink{}
	if cfg.Ledger.FallbackSink == config.FallbackSinkStderr {
		sink = auditor
	}

	notifier := audit.MultiNotifier{auditor}
	if rdb != nil {
		notifier = append(notifier, audit.NewRedisAlertPublisher(rdb, cfg.Redis.AlertChannel))
	}

	ledgerRepo := repositories.NewLedgerRepository(db)
	searchRepo := repositories.NewSearchRepository(db)

	ledgerService := services.NewLedgerService(ledgerRepo, cipher, sink, notifier, metrics,
		services.LedgerOptions{
			DefaultPageSize: cfg.Ledger.DefaultPageSize,
			MaxPageSize:     cfg.Ledger.MaxPageSize,
		}, logger)

	searchService := services.NewSearchService(searchRepo, cipher, metrics,
		services.SearchServiceOptions{
			DefaultLimit:    cfg.Search.DefaultLimit,
			MaxLimit:        cfg.Search.MaxLimit,
			MinPrefixLength: cfg.Search.MinPrefixLength,
			TierScanLimit:   cfg.Search.TierScanLimit,
		}, logger)

	// Both were checked by config.Validate.
	location, _ := cfg.Forensics.Location()
	start, end, _ := cfg.Forensics.BusinessHours()

	forensicsService := services.NewForensicsService(ledgerRepo, ledgerService, cipher, auditor, metrics,
		services.ForensicsOptions{
			Location:          location,
			BusinessStart:     start,
			BusinessEnd:       end,
			RiskThreshold:     cfg.Forensics.RiskThreshold,
			DefaultWindowDays: cfg.Forensics.DefaultWindowDays,
		}, logger)

	return &ledger{
		Ledger:    ledgerService,
		Search:    searchService,
		Forensics: forensicsService,
	}
}

func connectDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	dbCfg := cfg.Database
	dbCfg.Host = config.ResolveHostForDocker(dbCfg.Host)
	connStr := dbCfg.ConnectionString()

	logger.Info("Connecting to database", zap.String("dsn", logging.SanitizeConnectionString(connStr)))

	retryCfg := retry.StartupConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Database not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)))
	}

	db, err := retry.DoWithResult(ctx, retryCfg, func() (*database.DB, error) {
		return database.Connect(ctx, database.Options{
			DSN:              connStr,
			MaxConns:         cfg.Database.MaxConnections,
			StatementTimeout: cfg.Database.StatementTimeout,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %s", logging.SanitizeError(err))
	}
	return db, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Redis.Host == "" {
		logger.Info("Redis not configured; critical alerts go to the security log only")
		return nil, nil
	}

	retryCfg := retry.StartupConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Redis not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)))
	}

	rdb, err := retry.DoWithResult(ctx, retryCfg, func() (*redis.Client, error) {
		return database.NewRedisClient(ctx, &cfg.Redis)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %s", logging.SanitizeError(err))
	}
	return rdb, nil
}

// verifyOnStartup walks the whole chain once and logs the verdict.
// The check records itself in the ledger like any other forensic action.
func verifyOnStartup(ctx context.Context, forensics services.ForensicsService, logger *zap.Logger) {
	start := time.Now()
	report, err := forensics.VerifyIntegrity(ctx, models.IntegrityOptions{})
	if err != nil {
		logger.Error("Startup integrity verification failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("results", string(report.Results)),
		zap.Int("checked", report.Checked),
		zap.Int("broken", len(report.Broken)),
		zap.Duration("duration", time.Since(start)),
	}
	if report.Results != models.IntegrityPassed {
		for _, b := range report.Broken {
			logger.Error("Ledger chain broken", zap.Error(b.Err()))
		}
		logger.Error("Startup integrity verification found tampering", fields...)
		return
	}
	logger.Info("Startup integrity verification passed", fields...)
}
