// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, and idempotency.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelkit/go-ledger-backend/internal/config"
	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/http/handlers"
	"github.com/reelkit/go-ledger-backend/internal/http/middleware"
	"github.com/reelkit/go-ledger-backend/internal/provider"
	"github.com/reelkit/go-ledger-backend/internal/repo"
	"github.com/reelkit/go-ledger-backend/internal/services"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// ledgerRepoShim adapts the repository free functions to the
// services.LedgerRepo interface expected by the CreditService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type ledgerRepoShim struct{}

// CreateAccount proxies repo.CreateAccount.
func (ledgerRepoShim) CreateAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	return repo.CreateAccount(ctx, db, accountID)
}

// GetAccount proxies repo.GetAccount.
func (ledgerRepoShim) GetAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	return repo.GetAccount(ctx, db, accountID)
}

// ApplyEntry proxies repo.ApplyEntry.
func (ledgerRepoShim) ApplyEntry(ctx context.Context, db *gorm.DB, accountID string, delta int64, reason string, jobID, externalRef *string) (*domain.LedgerEntry, error) {
	return repo.ApplyEntry(ctx, db, accountID, delta, reason, jobID, externalRef)
}

// ListEntries proxies repo.ListEntries (pagination support).
func (ledgerRepoShim) ListEntries(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	return repo.ListEntries(ctx, db, accountID, offset, limit)
}

// CountEntries proxies repo.CountEntries (pagination support).
func (ledgerRepoShim) CountEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	return repo.CountEntries(ctx, db, accountID)
}

// ListOrphanedReserves proxies repo.ListOrphanedReserves (orphan repair).
func (ledgerRepoShim) ListOrphanedReserves(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	return repo.ListOrphanedReserves(ctx, db, olderThan, limit)
}

// jobRepoShim adapts the repository free functions to services.JobRepo.
type jobRepoShim struct{}

// CreateJob proxies repo.CreateJob.
func (jobRepoShim) CreateJob(ctx context.Context, db *gorm.DB, id, accountID, params string, creditsCharged int64, catalogVersion string) (*domain.Job, error) {
	return repo.CreateJob(ctx, db, id, accountID, params, creditsCharged, catalogVersion)
}

// GetJob proxies repo.GetJob.
func (jobRepoShim) GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	return repo.GetJob(ctx, db, id)
}

// GetAccountJob proxies repo.GetAccountJob.
func (jobRepoShim) GetAccountJob(ctx context.Context, db *gorm.DB, id, accountID string) (*domain.Job, error) {
	return repo.GetAccountJob(ctx, db, id, accountID)
}

// MarkJobProcessing proxies repo.MarkJobProcessing.
func (jobRepoShim) MarkJobProcessing(ctx context.Context, db *gorm.DB, id, providerRef string) error {
	return repo.MarkJobProcessing(ctx, db, id, providerRef)
}

// MarkJobCompleted proxies repo.MarkJobCompleted.
func (jobRepoShim) MarkJobCompleted(ctx context.Context, db *gorm.DB, id, resultRef string) error {
	return repo.MarkJobCompleted(ctx, db, id, resultRef)
}

// MarkJobFailed proxies repo.MarkJobFailed.
func (jobRepoShim) MarkJobFailed(ctx context.Context, db *gorm.DB, id, fromStatus, reason string) error {
	return repo.MarkJobFailed(ctx, db, id, fromStatus, reason)
}

// RefundExists proxies repo.RefundExists.
func (jobRepoShim) RefundExists(ctx context.Context, db *gorm.DB, jobID string) (bool, error) {
	return repo.RefundExists(ctx, db, jobID)
}

// idemRepoShim adapts the repository free functions to services.IdempotencyRepo.
type idemRepoShim struct{}

// CheckOrReserve proxies repo.CheckOrReserve.
func (idemRepoShim) CheckOrReserve(ctx context.Context, db *gorm.DB, accountID, key string, now time.Time, ttl, pendingTimeout time.Duration) (*domain.IdempotencyRecord, bool, error) {
	return repo.CheckOrReserve(ctx, db, accountID, key, now, ttl, pendingTimeout)
}

// Commit proxies repo.CommitIdempotency.
func (idemRepoShim) Commit(ctx context.Context, db *gorm.DB, id string, status int, body []byte, jobID *string) error {
	return repo.CommitIdempotency(ctx, db, id, status, body, jobID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency, CORS
// and security headers, health and metrics endpoints, and then mounts the
// versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip compression
//  7. Metrics
//  8. Idempotency validator
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, gw provider.Gateway, prices services.PriceResolver, cfg config.Config) *services.JobService {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Response compression (skip the Prometheus scrape endpoint)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (marks replays for downstream handlers)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, accountID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, accountID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Idempotency-Replayed", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Idempotency-Replayed", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/provider
	creditSvc := services.NewCreditService(db, ledgerRepoShim{})
	jobSvc := &services.JobService{
		DB:              db,
		Jobs:            jobRepoShim{},
		Idem:            idemRepoShim{},
		Credits:         creditSvc,
		Gateway:         gw,
		Prices:          prices,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		PendingTimeout:  cfg.IdempotencyPending,
		ProviderTimeout: cfg.Provider.Timeout,
	}

	h := handlers.New(jobSvc, creditSvc, cfg.SignupGrant)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Accounts & ledger
		api.POST("/accounts", h.CreateAccount)
		api.GET("/balance", h.GetBalance)
		api.GET("/ledger", h.ListLedger)
		api.POST("/credits/grant", h.GrantCredits)

		// Jobs
		api.POST("/jobs", h.SubmitJob)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/reconcile", h.ReconcileJob)
	}

	return jobSvc
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
