package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SweepStats summarizes one SweepDue pass.
type SweepStats struct {
	Reclaimed  int
	Due        int
	Dispatched int
	Failed     int
	Skipped    int
}

const defaultClaimTimeout = 2 * time.Hour

// SettlementDispatcher sends settlements through their channel and records
// the outcome. Claiming with a version compare-and-set guarantees a
// settlement is handed to a channel by one worker at a time.
type SettlementDispatcher struct {
	settlements  ports.SettlementRepository
	channels     map[domain.SettlementMethod]ports.SettlementChannel
	audit        *AuditService
	backoff      domain.Backoff
	batchSize    int
	claimTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// NewSettlementDispatcher creates a SettlementDispatcher.
func NewSettlementDispatcher(
	settlements ports.SettlementRepository,
	channels []ports.SettlementChannel,
	audit *AuditService,
	backoff domain.Backoff,
	batchSize int,
	claimTimeout time.Duration,
	log zerolog.Logger,
) *SettlementDispatcher {
	byMethod := make(map[domain.SettlementMethod]ports.SettlementChannel, len(channels))
	for _, ch := range channels {
		byMethod[ch.Method()] = ch
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}
	return &SettlementDispatcher{
		settlements:  settlements,
		channels:     byMethod,
		audit:        audit,
		backoff:      backoff,
		batchSize:    batchSize,
		claimTimeout: claimTimeout,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch claims s and sends it. On channel failure the returned settlement
// reflects the recorded FAILED state alongside a DSP_* error.
func (d *SettlementDispatcher) Dispatch(ctx context.Context, s *domain.Settlement) (*domain.Settlement, error) {
	log := d.log.With().
		Str("settlement_id", s.ID.String()).
		Str("merchant_id", s.MerchantID.String()).
		Str("method", string(s.Method)).
		Logger()

	claimed, err := s.Claim(d.now())
	if err != nil {
		return nil, apperror.ErrInvalidState(err)
	}
	if err := d.settlements.Update(ctx, &claimed, s.Version); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			return nil, apperror.ErrSettlementAlreadyClaimed()
		}
		return nil, apperror.InternalError(fmt.Errorf("claim settlement: %w", err))
	}

	// The claim is committed; outcomes must be recorded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	channel, ok := d.channels[claimed.Method]
	if !ok {
		return d.fail(ctx, claimed, "DSP_NO_CHANNEL", fmt.Sprintf("no channel for method %q", claimed.Method),
			fmt.Errorf("unknown settlement method %q", claimed.Method), log)
	}

	result, sendErr := channel.Send(ctx, ports.SendRequest{
		SettlementID: claimed.ID,
		Reference:    claimed.ReferenceNumber,
		Destination:  claimed.Destination,
		Amount:       claimed.NetAmount,
	})
	if sendErr != nil {
		code, message := "DSP_SEND_FAILED", sendErr.Error()
		var ce *ports.ChannelError
		if errors.As(sendErr, &ce) {
			code, message = ce.Code, ce.Message
		}
		return d.fail(ctx, claimed, code, message, sendErr, log)
	}

	if result.Status == ports.SendCompleted {
		done, err := d.persist(ctx, claimed, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
			return cur.Complete(result.ExternalReference, d.now())
		})
		if err != nil {
			log.Error().Err(err).Str("external_reference", result.ExternalReference).Msg("delivered settlement could not be recorded")
			return nil, apperror.InternalError(fmt.Errorf("complete settlement: %w", err))
		}
		log.Info().Str("external_reference", result.ExternalReference).Msg("settlement completed")
		return &done, nil
	}

	waiting, err := d.persist(ctx, claimed, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
		if cur.Status != domain.SettlementStatusProcessing {
			// A callback already finalized it.
			return cur, nil, nil
		}
		next, err := cur.AwaitCallback(result.ExternalReference, d.now())
		return next, nil, err
	})
	if err != nil {
		log.Error().Err(err).Str("external_reference", result.ExternalReference).Msg("accepted settlement could not be recorded")
		return nil, apperror.InternalError(fmt.Errorf("record channel reference: %w", err))
	}
	log.Info().Str("external_reference", result.ExternalReference).Msg("settlement accepted by channel")
	return &waiting, nil
}

func (d *SettlementDispatcher) fail(ctx context.Context, s domain.Settlement, code, message string, cause error, log zerolog.Logger) (*domain.Settlement, error) {
	failed, err := d.persist(ctx, s, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
		return cur.RecordFailure(code, message, d.backoff, d.now())
	})
	if err != nil {
		log.Error().Err(err).Str("error_code", code).Msg("settlement failure could not be recorded")
		return nil, apperror.InternalError(fmt.Errorf("record settlement failure: %w", err))
	}

	if failed.RetriesExhausted() {
		log.Error().Err(cause).Int("retry_count", failed.RetryCount).Msg("settlement failed permanently, manual intervention required")
		return &failed, apperror.ErrDispatchExhausted(cause)
	}
	log.Warn().Err(cause).Int("retry_count", failed.RetryCount).Time("next_retry_at", *failed.NextRetryAt).Msg("settlement dispatch failed, retry scheduled")
	return &failed, apperror.ErrDispatchRetryScheduled(cause)
}

// persist applies fn and writes the result with a version check, reloading and
// re-applying on conflict. fn returning its input unchanged skips the write.
func (d *SettlementDispatcher) persist(ctx context.Context, s domain.Settlement, fn func(domain.Settlement) (domain.Settlement, []domain.Event, error)) (domain.Settlement, error) {
	return d.persistWith(ctx, d.settlements.Update, s, fn)
}

func (d *SettlementDispatcher) persistWith(
	ctx context.Context,
	write func(context.Context, *domain.Settlement, int64) error,
	s domain.Settlement,
	fn func(domain.Settlement) (domain.Settlement, []domain.Event, error),
) (domain.Settlement, error) {
	for attempt := 0; attempt < persistAttempts; attempt++ {
		next, events, err := fn(s)
		if err != nil {
			return s, err
		}
		if next.Version == s.Version {
			return s, nil
		}
		err = write(ctx, &next, s.Version)
		if err == nil {
			d.audit.Record(ctx, events...)
			return next, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return s, err
		}
		current, ferr := d.settlements.FindByID(ctx, s.ID)
		if ferr != nil {
			return s, ferr
		}
		if current == nil {
			return s, err
		}
		s = *current
	}
	return s, ports.ErrVersionConflict
}

// SweepDue first fails settlements stuck in PROCESSING for longer than the
// claim timeout, then dispatches PENDING settlements and FAILED ones whose
// retry is due.
func (d *SettlementDispatcher) SweepDue(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	reclaimed, err := d.reclaimStale(ctx)
	stats.Reclaimed = reclaimed
	if err != nil {
		return stats, err
	}

	due, err := d.settlements.FindDispatchable(ctx, d.now(), d.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load dispatchable settlements: %w", err)
	}
	stats.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := d.Dispatch(ctx, &due[i])
		switch {
		case err == nil:
			stats.Dispatched++
		case apperror.HasCode(err, "STL_006"), apperror.HasCode(err, "STATE_001"):
			stats.Skipped++
		default:
			stats.Failed++
		}
	}

	if stats.Due > 0 || stats.Reclaimed > 0 {
		d.log.Info().
			Int("reclaimed", stats.Reclaimed).
			Int("due", stats.Due).
			Int("dispatched", stats.Dispatched).
			Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).
			Msg("settlement sweep finished")
	}
	return stats, ctx.Err()
}

// reclaimStale records a DSP_TIMEOUT failure on every settlement that was
// claimed, or accepted by its channel, and never reached an outcome. The
// failure goes through the normal retry budget.
func (d *SettlementDispatcher) reclaimStale(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.claimTimeout)
	stale, err := d.settlements.FindStaleProcessing(ctx, cutoff, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load stale settlements: %w", err)
	}

	reclaimed := 0
	message := fmt.Sprintf("no dispatch outcome recorded within %s", d.claimTimeout)
	for _, s := range stale {
		if ctx.Err() != nil {
			break
		}
		log := d.log.With().
			Str("settlement_id", s.ID.String()).
			Str("external_reference", s.ExternalReference).
			Logger()
		timedOut := false
		failed, err := d.persist(ctx, s, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
			// Finished or touched again since it was loaded.
			if cur.Status != domain.SettlementStatusProcessing || !cur.UpdatedAt.Before(cutoff) {
				timedOut = false
				return cur, nil, nil
			}
			timedOut = true
			return cur.RecordFailure("DSP_TIMEOUT", message, d.backoff, d.now())
		})
		if err != nil {
			log.Error().Err(err).Msg("stale settlement could not be reclaimed")
			continue
		}
		if !timedOut {
			continue
		}
		reclaimed++
		if failed.RetriesExhausted() {
			log.Error().Int("retry_count", failed.RetryCount).Msg("stale settlement failed permanently, manual intervention required")
			continue
		}
		log.Warn().Int("retry_count", failed.RetryCount).Time("next_retry_at", *failed.NextRetryAt).Msg("stale settlement reclaimed, retry scheduled")
	}
	return reclaimed, nil
}

// HandleCallback finalizes a settlement from a channel's asynchronous result.
// Callbacks for settlements that are no longer PROCESSING are acknowledged
// without changes.
func (d *SettlementDispatcher) HandleCallback(ctx context.Context, result domain.CallbackResult) (*domain.Settlement, error) {
	s, err := d.lookupCallback(ctx, result)
	if err != nil {
		return nil, err
	}
	log := d.log.With().
		Str("settlement_id", s.ID.String()).
		Str("external_reference", result.ExternalReference).
		Bool("success", result.Success).
		Logger()

	if s.Status != domain.SettlementStatusProcessing {
		log.Info().Str("status", string(s.Status)).Msg("duplicate settlement callback ignored")
		return s, nil
	}

	ctx = context.WithoutCancel(ctx)
	if result.Success {
		done, err := d.persist(ctx, *s, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
			if cur.Status != domain.SettlementStatusProcessing {
				return cur, nil, nil
			}
			return cur.Complete(result.ExternalReference, d.now())
		})
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("complete settlement: %w", err))
		}
		log.Info().Msg("settlement confirmed by callback")
		return &done, nil
	}

	code := result.ResultCode
	if code == "" {
		code = "DSP_CALLBACK_FAILED"
	}
	failed, err := d.persist(ctx, *s, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
		if cur.Status != domain.SettlementStatusProcessing {
			return cur, nil, nil
		}
		return cur.RecordFailure(code, result.Message, d.backoff, d.now())
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("record callback failure: %w", err))
	}
	log.Warn().Str("result_code", code).Str("message", result.Message).Msg("settlement rejected by channel")
	return &failed, nil
}

func (d *SettlementDispatcher) lookupCallback(ctx context.Context, result domain.CallbackResult) (*domain.Settlement, error) {
	for _, ref := range []string{result.ExternalReference, result.Reference} {
		if ref == "" {
			continue
		}
		s, err := d.settlements.FindByExternalReference(ctx, result.Method, ref)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("find settlement by reference: %w", err))
		}
		if s != nil {
			return s, nil
		}
	}
	return nil, apperror.ErrNotFound("Settlement")
}

// Cancel withdraws a PENDING settlement and releases its transactions so the
// next build settles them again.
func (d *SettlementDispatcher) Cancel(ctx context.Context, settlementID uuid.UUID) (*domain.Settlement, error) {
	s, err := d.settlements.FindByID(ctx, settlementID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("find settlement: %w", err))
	}
	if s == nil {
		return nil, apperror.ErrNotFound("Settlement")
	}
	cancelled, err := d.persistWith(ctx, d.settlements.CancelWithTransactions, *s, func(cur domain.Settlement) (domain.Settlement, []domain.Event, error) {
		next, err := cur.Cancel(d.now())
		return next, nil, err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, apperror.ErrInvalidState(err)
		}
		return nil, apperror.InternalError(fmt.Errorf("cancel settlement: %w", err))
	}
	d.log.Info().
		Str("settlement_id", cancelled.ID.String()).
		Int("released_transactions", len(cancelled.TransactionIDs)).
		Msg("settlement cancelled")
	return &cancelled, nil
}
