package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TrackerConfig bounds one polling pass.
type TrackerConfig struct {
	BatchSize   int
	Concurrency int
}

// PollStats summarizes one Poll pass.
type PollStats struct {
	Checked   int
	Advanced  int
	Confirmed int
	Completed int
	Failed    int
	Skipped   int
	Errors    int
}

type trackOutcome int

const (
	trackUnchanged trackOutcome = iota
	trackAdvanced
	trackConfirmed
	trackFailed
	trackSkipped
	trackError
)

// ConfirmationTracker moves submitted transactions through CONFIRMING and
// CONFIRMED to COMPLETED, and expires records that never progressed.
// It is the only writer of those transitions.
type ConfirmationTracker struct {
	txRepo ports.TransactionRepository
	source ports.ConfirmationSource
	audit  *AuditService
	cfg    TrackerConfig
	log    zerolog.Logger
	now    func() time.Time
}

// NewConfirmationTracker creates a ConfirmationTracker.
func NewConfirmationTracker(txRepo ports.TransactionRepository, source ports.ConfirmationSource, audit *AuditService, cfg TrackerConfig, log zerolog.Logger) *ConfirmationTracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &ConfirmationTracker{
		txRepo: txRepo,
		source: source,
		audit:  audit,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Poll checks every awaiting record once and finalizes CONFIRMED records.
// Per-record failures are counted, not returned; the next pass retries them.
func (t *ConfirmationTracker) Poll(ctx context.Context) (PollStats, error) {
	var stats PollStats

	records, err := t.txRepo.FindAwaitingConfirmation(ctx, t.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("load awaiting transactions: %w", err)
	}

	outcomes := make([]trackOutcome, len(records))
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for i := range records {
		g.Go(func() error {
			outcomes[i] = t.track(ctx, records[i])
			return nil
		})
	}
	_ = g.Wait()

	stats.Checked = len(records)
	for _, o := range outcomes {
		switch o {
		case trackAdvanced:
			stats.Advanced++
		case trackConfirmed:
			stats.Advanced++
			stats.Confirmed++
		case trackFailed:
			stats.Failed++
		case trackSkipped:
			stats.Skipped++
		case trackError:
			stats.Errors++
		}
	}

	completed, err := t.finalize(ctx)
	stats.Completed = completed
	if err != nil {
		return stats, err
	}

	if stats.Checked > 0 || stats.Completed > 0 {
		t.log.Info().
			Int("checked", stats.Checked).
			Int("advanced", stats.Advanced).
			Int("confirmed", stats.Confirmed).
			Int("completed", stats.Completed).
			Int("failed", stats.Failed).
			Int("errors", stats.Errors).
			Msg("confirmation poll finished")
	}
	return stats, nil
}

func (t *ConfirmationTracker) track(ctx context.Context, rec domain.TransactionRecord) trackOutcome {
	log := t.log.With().
		Str("transaction_id", rec.ID.String()).
		Str("network", string(rec.Network)).
		Str("hash", rec.ShortHash()).
		Logger()

	info, err := t.source.Confirmations(ctx, rec.BlockchainHash, rec.Network)
	if err != nil {
		log.Warn().Err(err).Msg("confirmation lookup failed")
		return trackError
	}

	if info.Reverted {
		next, events, err := rec.Fail("CHAIN_REVERTED", "transaction reverted on chain", t.now())
		if err != nil {
			log.Error().Err(err).Msg("cannot fail reverted transaction")
			return trackError
		}
		if out, ok := t.persist(ctx, rec, next, events, log); !ok {
			return out
		}
		log.Warn().Msg("transaction reverted on chain")
		return trackFailed
	}

	next, events, err := rec.ApplyConfirmations(info.Confirmations, info.BlockNumber, t.now())
	if err != nil {
		log.Error().Err(err).Msg("cannot apply confirmations")
		return trackError
	}
	if next.Version == rec.Version {
		return trackUnchanged
	}
	if out, ok := t.persist(ctx, rec, next, events, log); !ok {
		return out
	}

	log.Debug().
		Int64("confirmations", next.Confirmations).
		Str("status", string(next.Status)).
		Msg("confirmations applied")
	if next.Status == domain.TransactionStatusConfirmed {
		return trackConfirmed
	}
	return trackAdvanced
}

func (t *ConfirmationTracker) persist(ctx context.Context, prev, next domain.TransactionRecord, events []domain.Event, log zerolog.Logger) (trackOutcome, bool) {
	if err := t.txRepo.Update(ctx, &next, prev.Version); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			log.Debug().Msg("transaction changed concurrently, skipping")
			return trackSkipped, false
		}
		log.Error().Err(err).Msg("failed to persist transaction")
		return trackError, false
	}
	t.audit.Record(ctx, events...)
	return trackUnchanged, true
}

// finalize completes CONFIRMED records.
func (t *ConfirmationTracker) finalize(ctx context.Context) (int, error) {
	confirmed, err := t.txRepo.FindByStatus(ctx, domain.TransactionStatusConfirmed, t.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load confirmed transactions: %w", err)
	}
	completed := 0
	for _, rec := range confirmed {
		log := t.log.With().Str("transaction_id", rec.ID.String()).Logger()
		next, events, err := rec.Complete(t.now())
		if err != nil {
			log.Error().Err(err).Msg("cannot complete transaction")
			continue
		}
		if _, ok := t.persist(ctx, rec, next, events, log); ok {
			completed++
		}
	}
	return completed, nil
}

// ExpireStale expires records that outlived their deadline without chain progress.
func (t *ConfirmationTracker) ExpireStale(ctx context.Context) (int, error) {
	now := t.now()
	candidates, err := t.txRepo.FindExpirable(ctx, now, t.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load expirable transactions: %w", err)
	}
	expired := 0
	for _, rec := range candidates {
		if !rec.Expired(now) {
			continue
		}
		log := t.log.With().Str("transaction_id", rec.ID.String()).Str("status", string(rec.Status)).Logger()
		next, events, err := rec.Expire(now)
		if err != nil {
			log.Error().Err(err).Msg("cannot expire transaction")
			continue
		}
		if _, ok := t.persist(ctx, rec, next, events, log); ok {
			log.Info().Msg("transaction expired")
			expired++
		}
	}
	return expired, nil
}
