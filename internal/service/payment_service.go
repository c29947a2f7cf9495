package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const persistAttempts = 3

// PaymentConfig tunes the payment pipeline.
type PaymentConfig struct {
	Policy         domain.TransactionPolicy
	IdempotencyTTL time.Duration
	// RetryBackoff is the pause between executor attempts.
	RetryBackoff time.Duration
}

// DefaultPaymentConfig returns the production defaults.
func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		Policy:         domain.DefaultTransactionPolicy(),
		IdempotencyTTL: 24 * time.Hour,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// PaymentOrchestrator implements ports.PaymentService.
//
// A request runs: reserve idempotency key, validate, check balance, estimate
// fee, re-check balance for amount+fee, persist PENDING, close the
// cancellation window, execute. The reservation is what makes concurrent
// duplicates collapse to a single record.
type PaymentOrchestrator struct {
	validator   *PaymentValidator
	balances    *BalanceValidator
	fees        *FeeEstimator
	idempotency ports.IdempotencyStore
	txRepo      ports.TransactionRepository
	executor    ports.BlockchainExecutor
	audit       *AuditService
	cfg         PaymentConfig
	log         zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPaymentOrchestrator creates the payment pipeline.
func NewPaymentOrchestrator(
	validator *PaymentValidator,
	balances *BalanceValidator,
	fees *FeeEstimator,
	idempotency ports.IdempotencyStore,
	txRepo ports.TransactionRepository,
	executor ports.BlockchainExecutor,
	audit *AuditService,
	cfg PaymentConfig,
	log zerolog.Logger,
) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		validator:   validator,
		balances:    balances,
		fees:        fees,
		idempotency: idempotency,
		txRepo:      txRepo,
		executor:    executor,
		audit:       audit,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessPayment runs the pipeline for req under the caller-supplied key.
// A replay of a finished request returns the stored record with OutcomeDuplicate.
func (o *PaymentOrchestrator) ProcessPayment(ctx context.Context, req domain.PaymentRequest, clientKey string) (outcome *ports.PaymentOutcome, err error) {
	// Set while this call holds a reservation with no saved record behind it.
	var unsaved *domain.IdempotencyRecord
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Interface("panic", r).
				Str("user_id", req.UserID.String()).
				Bytes("stack", debug.Stack()).
				Msg("payment pipeline panicked")
			if unsaved != nil {
				o.release(ctx, *unsaved, o.log)
			}
			outcome, err = nil, apperror.InternalError(fmt.Errorf("payment pipeline panic: %v", r))
		}
	}()

	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return nil, apperror.ErrMissingIdempotencyKey()
	}

	key := domain.BuildIdempotencyKey(req.UserID, clientKey)
	log := o.log.With().Str("idempotency_key", key).Str("user_id", req.UserID.String()).Logger()

	now := o.now()
	reservation := domain.IdempotencyRecord{
		Key:                 key,
		ResultTransactionID: uuid.New(),
		RequestFingerprint:  Fingerprint(req),
		CreatedAt:           now,
		ExpiresAt:           now.Add(o.cfg.IdempotencyTTL),
	}

	existing, reserved, err := o.idempotency.Reserve(ctx, reservation)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("reserve idempotency key: %w", err))
	}
	if !reserved {
		return o.replay(ctx, existing, reservation.RequestFingerprint, log)
	}
	unsaved = &reservation

	record, events, err := o.admit(ctx, req, reservation, log)
	if err == nil {
		err = o.save(ctx, &record, events, log)
	}
	if err != nil {
		o.release(ctx, reservation, log)
		return nil, err
	}
	unsaved = nil

	record, err = o.submit(ctx, record, log)
	if err != nil {
		return nil, err
	}
	return &ports.PaymentOutcome{Kind: ports.OutcomeProcessed, Record: &record}, nil
}

func (o *PaymentOrchestrator) replay(ctx context.Context, existing *domain.IdempotencyRecord, fingerprint string, log zerolog.Logger) (*ports.PaymentOutcome, error) {
	if existing == nil {
		return nil, apperror.InternalError(errors.New("idempotency store reported a conflict without a record"))
	}
	if existing.RequestFingerprint != fingerprint {
		log.Warn().Msg("idempotency key reused with a different request")
		return nil, apperror.ErrIdempotencyKeyReused()
	}
	rec, err := o.txRepo.FindByID(ctx, existing.ResultTransactionID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load replayed transaction: %w", err))
	}
	if rec == nil {
		return nil, apperror.ErrRequestInProgress()
	}
	log.Info().Str("transaction_id", rec.ID.String()).Str("status", string(rec.Status)).Msg("duplicate payment request")
	return &ports.PaymentOutcome{Kind: ports.OutcomeDuplicate, Record: rec}, nil
}

// admit runs every check that can reject the request and builds the PENDING record.
func (o *PaymentOrchestrator) admit(ctx context.Context, req domain.PaymentRequest, reservation domain.IdempotencyRecord, log zerolog.Logger) (domain.TransactionRecord, []domain.Event, error) {
	if err := o.validator.Validate(req); err != nil {
		log.Info().Err(err).Msg("payment rejected by validation")
		return domain.TransactionRecord{}, nil, err
	}
	if err := o.balances.ValidateSufficientBalance(ctx, req.UserID, req.Amount); err != nil {
		return domain.TransactionRecord{}, nil, err
	}

	quote, err := o.fees.Estimate(ctx, req.Amount, req.Network)
	if err != nil {
		if _, ok := apperror.As(err); ok {
			return domain.TransactionRecord{}, nil, err
		}
		return domain.TransactionRecord{}, nil, apperror.InternalError(fmt.Errorf("estimate fee: %w", err))
	}
	total, err := req.Amount.Add(quote.Total)
	if err != nil {
		return domain.TransactionRecord{}, nil, apperror.InternalError(fmt.Errorf("amount plus fee: %w", err))
	}
	if err := o.balances.ValidateSufficientBalance(ctx, req.UserID, total); err != nil {
		return domain.TransactionRecord{}, nil, err
	}

	rec, events := domain.NewTransactionRecord(reservation.ResultTransactionID, req, quote.Total, reservation.Key, o.cfg.Policy, o.now())
	return rec, events, nil
}

// save persists a freshly admitted record.
func (o *PaymentOrchestrator) save(ctx context.Context, rec *domain.TransactionRecord, events []domain.Event, log zerolog.Logger) error {
	if err := o.txRepo.Save(ctx, rec); err != nil {
		return apperror.InternalError(fmt.Errorf("save transaction: %w", err))
	}
	o.audit.Record(ctx, events...)

	log.Info().
		Str("transaction_id", rec.ID.String()).
		Str("amount", rec.Amount.String()).
		Str("fee", rec.FeesPaid.String()).
		Str("network", string(rec.Network)).
		Msg("payment admitted")
	return nil
}

func (o *PaymentOrchestrator) release(ctx context.Context, reservation domain.IdempotencyRecord, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := o.idempotency.Release(ctx, reservation.Key, reservation.ResultTransactionID); err != nil {
		log.Warn().Err(err).Msg("failed to release idempotency reservation")
	}
}

// submit closes the cancellation window and hands the record to the executor.
func (o *PaymentOrchestrator) submit(ctx context.Context, rec domain.TransactionRecord, log zerolog.Logger) (domain.TransactionRecord, error) {
	log = log.With().Str("transaction_id", rec.ID.String()).Logger()

	submitting, err := rec.MarkSubmitting(o.now())
	if err != nil {
		return rec, apperror.ErrInvalidState(err)
	}
	if err := o.txRepo.Update(ctx, &submitting, rec.Version); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			current, ferr := o.txRepo.FindByID(ctx, rec.ID)
			if ferr == nil && current != nil && current.Status == domain.TransactionStatusCancelled {
				log.Info().Msg("payment cancelled before submission")
				return *current, apperror.ErrPaymentCancelled()
			}
			return rec, apperror.ErrInvalidState(err)
		}
		return rec, apperror.InternalError(fmt.Errorf("mark submitting: %w", err))
	}
	rec = submitting

	for {
		result, execErr := o.executor.Execute(ctx, ports.ExecuteRequest{
			Reference:   rec.ID,
			FromAddress: rec.FromAddress,
			ToAddress:   rec.ToAddress,
			Amount:      rec.Amount,
			Fee:         rec.FeesPaid,
			Network:     rec.Network,
		})
		if execErr == nil {
			return o.markSubmitted(ctx, rec, result.Hash, log)
		}

		retryable := isRetryableExecution(execErr)
		if !retryable || rec.RetryCount >= rec.MaxRetries || ctx.Err() != nil {
			log.Warn().Err(execErr).Bool("retryable", retryable).Int("retry_count", rec.RetryCount).Msg("payment execution failed")
			return o.failExecution(ctx, rec, execErr, retryable, log)
		}

		log.Warn().Err(execErr).Int("retry_count", rec.RetryCount).Msg("payment execution failed, retrying")
		next, err := rec.RecordRetry(o.now())
		if err != nil {
			return o.failExecution(ctx, rec, execErr, retryable, log)
		}
		if err := o.txRepo.Update(ctx, &next, rec.Version); err != nil {
			return rec, apperror.InternalError(fmt.Errorf("record retry: %w", err))
		}
		rec = next
		if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
			return o.failExecution(ctx, rec, execErr, true, log)
		}

		// The executor may have broadcast before failing; never send twice.
		current, err := o.txRepo.FindByID(ctx, rec.ID)
		if err != nil {
			return rec, apperror.InternalError(fmt.Errorf("reload before retry: %w", err))
		}
		if current != nil && current.BlockchainHash != "" {
			return *current, nil
		}
	}
}

func isRetryableExecution(err error) bool {
	var ee *ports.ExecutionError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return true
}

func (o *PaymentOrchestrator) markSubmitted(ctx context.Context, rec domain.TransactionRecord, hash string, log zerolog.Logger) (domain.TransactionRecord, error) {
	ctx = context.WithoutCancel(ctx)
	updated, err := o.persistTransition(ctx, rec, func(r domain.TransactionRecord) (domain.TransactionRecord, []domain.Event, error) {
		return r.MarkSubmitted(hash, o.now())
	})
	if err != nil {
		// The transfer is on chain but not recorded; reconcile by hash.
		log.Error().Err(err).Str("blockchain_hash", hash).Msg("submitted payment could not be recorded")
		return rec, apperror.InternalError(fmt.Errorf("record submission: %w", err))
	}
	log.Info().Str("blockchain_hash", updated.ShortHash()).Msg("payment submitted")
	return updated, nil
}

func (o *PaymentOrchestrator) failExecution(ctx context.Context, rec domain.TransactionRecord, execErr error, retryable bool, log zerolog.Logger) (domain.TransactionRecord, error) {
	code, message := "EXE_001", execErr.Error()
	var ee *ports.ExecutionError
	if errors.As(execErr, &ee) {
		if ee.Code != "" {
			code = ee.Code
		}
		message = ee.Message
	}

	failed, err := o.persistTransition(context.WithoutCancel(ctx), rec, func(r domain.TransactionRecord) (domain.TransactionRecord, []domain.Event, error) {
		return r.Fail(code, message, o.now())
	})
	if err != nil {
		log.Error().Err(err).Msg("failed payment could not be recorded")
		return rec, apperror.InternalError(fmt.Errorf("record failure: %w", err))
	}

	if retryable {
		return failed, apperror.ErrExecutionRetryable(execErr)
	}
	return failed, apperror.ErrExecutionRejected(execErr)
}

// persistTransition applies fn and writes the result with a version check,
// reloading and re-applying on conflict.
func (o *PaymentOrchestrator) persistTransition(ctx context.Context, rec domain.TransactionRecord, fn func(domain.TransactionRecord) (domain.TransactionRecord, []domain.Event, error)) (domain.TransactionRecord, error) {
	for attempt := 0; attempt < persistAttempts; attempt++ {
		next, events, err := fn(rec)
		if err != nil {
			return rec, err
		}
		err = o.txRepo.Update(ctx, &next, rec.Version)
		if err == nil {
			o.audit.Record(ctx, events...)
			return next, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return rec, err
		}
		current, ferr := o.txRepo.FindByID(ctx, rec.ID)
		if ferr != nil {
			return rec, ferr
		}
		if current == nil {
			return rec, err
		}
		rec = *current
	}
	return rec, ports.ErrVersionConflict
}

// GetPayment returns a transaction owned by userID.
func (o *PaymentOrchestrator) GetPayment(ctx context.Context, userID, transactionID uuid.UUID) (*domain.TransactionRecord, error) {
	rec, err := o.txRepo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("find transaction: %w", err))
	}
	if rec == nil || rec.UserID != userID {
		return nil, apperror.ErrNotFound("Transaction")
	}
	return rec, nil
}

// CancelPayment cancels a PENDING payment that has not been submitted.
func (o *PaymentOrchestrator) CancelPayment(ctx context.Context, userID, transactionID uuid.UUID) (*domain.TransactionRecord, error) {
	rec, err := o.GetPayment(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}

	cancelled, err := o.persistTransition(ctx, *rec, func(r domain.TransactionRecord) (domain.TransactionRecord, []domain.Event, error) {
		return r.Cancel(o.now())
	})
	switch {
	case errors.Is(err, domain.ErrNotCancellable):
		return nil, apperror.ErrPaymentNotCancellable()
	case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition):
		return nil, apperror.ErrInvalidState(err)
	case err != nil:
		return nil, apperror.InternalError(fmt.Errorf("cancel transaction: %w", err))
	}

	o.log.Info().Str("transaction_id", cancelled.ID.String()).Str("user_id", userID.String()).Msg("payment cancelled")
	return &cancelled, nil
}
