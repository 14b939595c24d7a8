// Command api runs the credit ledger and video job service: it loads
// configuration, opens the SQLite ledger, wires the HTTP transport, starts
// the background reconciler and idempotency sweeper, and shuts everything
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/reelkit/go-ledger-backend/internal/config"
	httpapi "github.com/reelkit/go-ledger-backend/internal/http"
	"github.com/reelkit/go-ledger-backend/internal/observability"
	"github.com/reelkit/go-ledger-backend/internal/pricing"
	"github.com/reelkit/go-ledger-backend/internal/provider"
	"github.com/reelkit/go-ledger-backend/internal/repo"
	"github.com/reelkit/go-ledger-backend/internal/sysutil"
	"github.com/reelkit/go-ledger-backend/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; absence of .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Logging
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	serviceName := sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "go-ledger-backend")
	cfg.OTEL.ServiceName = serviceName
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Pricing catalog: file-based when configured, built-in otherwise.
	catalog := pricing.Default()
	if cfg.CatalogPath != "" {
		catalog, err = pricing.Load(cfg.CatalogPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("load pricing catalog failed")
		}
	}
	log.Info().Str("catalog_version", catalog.Version).Msg("pricing catalog loaded")

	// Provider gateway
	gw := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)

	// HTTP transport
	r := gin.New()
	jobSvc := httpapi.RegisterRoutes(r, db, gw, catalog, cfg)

	// Background loops
	reconciler := &worker.Reconciler{
		DB:        db,
		Jobs:      jobSvc,
		Interval:  cfg.Worker.ReconcileInterval,
		BatchSize: cfg.Worker.ReconcileBatch,
		// Repair cutoff matches the service's view of a dead submission.
		PendingAfter: cfg.IdempotencyPending,
	}
	if cfg.Worker.ReconcileRPS > 0 {
		reconciler.Limiter = rate.NewLimiter(rate.Limit(cfg.Worker.ReconcileRPS), 1)
	}
	go reconciler.Run(ctx)

	sweeper := &worker.IdempotencySweeper{DB: db, Interval: cfg.Worker.SweepInterval}
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
}
