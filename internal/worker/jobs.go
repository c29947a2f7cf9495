package worker

import (
	"context"
	"time"

	"qpesapay/internal/service"

	"github.com/rs/zerolog"
)

// ConfirmationTracker advances submitted payments and expires stale ones.
type ConfirmationTracker interface {
	Poll(ctx context.Context) (service.PollStats, error)
	ExpireStale(ctx context.Context) (int, error)
}

// SettlementSweeper re-dispatches settlements whose retry is due.
type SettlementSweeper interface {
	SweepDue(ctx context.Context) (service.SweepStats, error)
}

// AutoSettler settles every merchant with auto-settlement enabled.
type AutoSettler interface {
	AutoSettle(ctx context.Context) (int, error)
}

// IdempotencyPurger deletes expired idempotency reservations.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Jobs holds the background tasks. A nil collaborator disables its job.
type Jobs struct {
	tracker ConfirmationTracker
	sweeper SettlementSweeper
	settler AutoSettler
	purger  IdempotencyPurger
	timeout time.Duration
	log     zerolog.Logger

	base context.Context
}

// NewJobs creates a new Jobs runner.
func NewJobs(tracker ConfirmationTracker, sweeper SettlementSweeper, settler AutoSettler, purger IdempotencyPurger, timeout time.Duration, log zerolog.Logger) *Jobs {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Jobs{
		tracker: tracker,
		sweeper: sweeper,
		settler: settler,
		purger:  purger,
		timeout: timeout,
		log:     log,
		base:    context.Background(),
	}
}

func (j *Jobs) run(name string, fn func(ctx context.Context, log zerolog.Logger) error) {
	ctx, cancel := context.WithTimeout(j.base, j.timeout)
	defer cancel()

	log := j.log.With().Str("job", name).Logger()
	start := time.Now()
	if err := fn(ctx, log); err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("job finished")
}

// PollConfirmations refreshes confirmation counts of in-flight payments.
func (j *Jobs) PollConfirmations() {
	j.run("poll_confirmations", func(ctx context.Context, log zerolog.Logger) error {
		stats, err := j.tracker.Poll(ctx)
		if err != nil {
			return err
		}
		if stats.Checked > 0 {
			log.Info().
				Int("checked", stats.Checked).
				Int("advanced", stats.Advanced).
				Int("completed", stats.Completed).
				Int("failed", stats.Failed).
				Int("errors", stats.Errors).
				Msg("confirmation poll")
		}
		return nil
	})
}

// ExpirePayments fails payments that outlived their expiry.
func (j *Jobs) ExpirePayments() {
	j.run("expire_payments", func(ctx context.Context, log zerolog.Logger) error {
		n, err := j.tracker.ExpireStale(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int("expired", n).Msg("stale payments expired")
		}
		return nil
	})
}

// SweepSettlements retries settlements whose backoff has elapsed.
func (j *Jobs) SweepSettlements() {
	j.run("sweep_settlements", func(ctx context.Context, log zerolog.Logger) error {
		stats, err := j.sweeper.SweepDue(ctx)
		if err != nil {
			return err
		}
		if stats.Due > 0 || stats.Reclaimed > 0 {
			log.Info().
				Int("reclaimed", stats.Reclaimed).
				Int("due", stats.Due).
				Int("dispatched", stats.Dispatched).
				Int("failed", stats.Failed).
				Int("skipped", stats.Skipped).
				Msg("settlement sweep")
		}
		return nil
	})
}

// AutoSettle builds settlements for auto-settling merchants.
func (j *Jobs) AutoSettle() {
	j.run("auto_settle", func(ctx context.Context, log zerolog.Logger) error {
		n, err := j.settler.AutoSettle(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("settlements", n).Msg("auto-settlement run")
		return nil
	})
}

// PurgeIdempotencyKeys removes idempotency reservations past their TTL.
func (j *Jobs) PurgeIdempotencyKeys() {
	j.run("purge_idempotency", func(ctx context.Context, log zerolog.Logger) error {
		n, err := j.purger.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int64("purged", n).Msg("expired idempotency keys purged")
		}
		return nil
	})
}
