// Package worker runs the background maintenance loops: the reconciler that
// drives processing jobs toward a terminal state and repairs stale pending
// ones, and the sweeper that reclaims expired idempotency records.
//
// Both loops are explicit bounded-iteration functions: they tick on a fixed
// interval, check cancellation between iterations, and never interrupt an
// in-flight reconciliation. A shutdown can delay refund issuance by one
// provider call, never skip it.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/repo"
)

// Reconciler periodically scans processing jobs and reconciles them against
// the provider. Provider calls are paced by a token bucket so a large backlog
// cannot hammer the external API.
type Reconciler struct {
	// DB is the GORM handle used to list processing jobs.
	DB *gorm.DB
	// Jobs reconciles one job; satisfied by services.JobService.
	Jobs JobReconciler
	// Interval between scans.
	Interval time.Duration
	// BatchSize caps the jobs examined per scan.
	BatchSize int
	// Limiter paces provider polls. Nil disables pacing.
	Limiter *rate.Limiter
	// PendingAfter is the age past which a pending job is treated as an
	// abandoned submission and swept for repair, along with any reserve
	// debits whose job row never landed. Zero disables the repair scan.
	PendingAfter time.Duration
}

// JobReconciler is the slice of the job service the reconciler needs.
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID string) (*domain.Job, error)
	ReclaimOrphanedReserves(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Run blocks until ctx is cancelled, scanning on every tick. Errors are
// logged and the loop continues; a poll failure for one job never stalls the
// rest of the batch.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 50
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	log.Info().Dur("interval", interval).Int("batch", batch).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-t.C:
			r.sweep(ctx, batch)
		}
	}
}

// sweep reconciles one batch of processing jobs, then repairs stale pending
// jobs and orphaned reserve debits when PendingAfter is set.
func (r *Reconciler) sweep(ctx context.Context, batch int) {
	jobs, err := repo.ListProcessingJobs(ctx, r.DB, batch)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: list processing jobs")
		return
	}
	r.reconcileAll(ctx, jobs, true)

	if r.PendingAfter <= 0 || ctx.Err() != nil {
		return
	}
	cutoff := time.Now().UTC().Add(-r.PendingAfter)
	stale, err := repo.ListStalePendingJobs(ctx, r.DB, cutoff, batch)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: list stale pending jobs")
		return
	}
	r.reconcileAll(ctx, stale, false)

	if n, err := r.Jobs.ReclaimOrphanedReserves(ctx, cutoff, batch); err != nil {
		log.Error().Err(err).Msg("reconciler: reclaim orphaned reserves")
	} else if n > 0 {
		log.Warn().Int("reclaimed", n).Msg("reconciler: orphaned reserves refunded")
	}
}

// reconcileAll reconciles jobs one at a time. pace applies the provider
// limiter; stale pending jobs never reach the provider and skip it.
func (r *Reconciler) reconcileAll(ctx context.Context, jobs []domain.Job, pace bool) {
	for _, j := range jobs {
		// Cooperative cancellation between jobs only; an individual
		// Reconcile always runs to its terminal decision.
		if ctx.Err() != nil {
			return
		}
		if pace && r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		if _, err := r.Jobs.Reconcile(ctx, j.ID); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("reconciler: reconcile job")
		}
	}
}

// IdempotencySweeper periodically deletes idempotency records whose retention
// window has passed. Reclamation never happens on the request hot path.
type IdempotencySweeper struct {
	// DB is the GORM handle used for the delete.
	DB *gorm.DB
	// Interval between sweeps.
	Interval time.Duration
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *IdempotencySweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	log.Info().Dur("interval", interval).Msg("idempotency sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idempotency sweeper stopped")
			return
		case <-t.C:
			n, err := repo.DeleteExpired(ctx, s.DB, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("idempotency records reclaimed")
			}
		}
	}
}
