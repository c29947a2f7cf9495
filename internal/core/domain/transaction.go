package domain

import (
	"errors"
	"fmt"
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminalState     = errors.New("record is in a terminal state")
	ErrNotCancellable    = errors.New("payment already submitted")
)

// TransactionStatus represents the lifecycle state of an on-chain payment.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusConfirming TransactionStatus = "CONFIRMING"
	TransactionStatusConfirmed  TransactionStatus = "CONFIRMED"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
	TransactionStatusCancelled  TransactionStatus = "CANCELLED"
	TransactionStatusExpired    TransactionStatus = "EXPIRED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {
		TransactionStatusProcessing, TransactionStatusCancelled,
		TransactionStatusFailed, TransactionStatusExpired,
	},
	TransactionStatusProcessing: {
		TransactionStatusConfirming, TransactionStatusFailed, TransactionStatusExpired,
	},
	TransactionStatusConfirming: {
		TransactionStatusConfirmed, TransactionStatusFailed, TransactionStatusExpired,
	},
	TransactionStatusConfirmed: {
		TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusExpired,
	},
}

// IsTerminal returns true if no transition out of s is allowed.
func (s TransactionStatus) IsTerminal() bool {
	_, ok := transactionTransitions[s]
	return !ok
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransactionPolicy holds the defaults applied to new records.
type TransactionPolicy struct {
	RequiredConfirmations int64
	MaxRetries            int
	Expiry                time.Duration
}

// DefaultTransactionPolicy mirrors the production defaults.
func DefaultTransactionPolicy() TransactionPolicy {
	return TransactionPolicy{RequiredConfirmations: 3, MaxRetries: 3, Expiry: time.Hour}
}

// TransactionRecord is the durable result of a payment request.
// Fields change only through the transition methods below, each of which
// returns a new value and leaves the receiver untouched.
type TransactionRecord struct {
	ID                    uuid.UUID            `json:"id"`
	PaymentRequestID      uuid.UUID            `json:"payment_request_id"`
	UserID                uuid.UUID            `json:"user_id"`
	MerchantID            *uuid.UUID           `json:"merchant_id,omitempty"`
	IdempotencyKey        string               `json:"-"`
	Network               Network              `json:"network"`
	Amount                money.Money          `json:"amount"`
	FeesPaid              money.Money          `json:"fees_paid"`
	FromAddress           string               `json:"from_address"`
	ToAddress             string               `json:"to_address"`
	Description           string               `json:"description,omitempty"`
	Status                TransactionStatus    `json:"status"`
	BlockchainHash        string               `json:"blockchain_hash,omitempty"`
	BlockNumber           *uint64              `json:"block_number,omitempty"`
	Confirmations         int64                `json:"confirmations"`
	RequiredConfirmations int64                `json:"required_confirmations"`
	RetryCount            int                  `json:"retry_count"`
	MaxRetries            int                  `json:"max_retries"`
	ErrorCode             string               `json:"error_code,omitempty"`
	ErrorMessage          string               `json:"error_message,omitempty"`
	SettlementID          *uuid.UUID           `json:"settlement_id,omitempty"`
	Extension             TransactionExtension `json:"extension"`
	Version               int64                `json:"-"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
	SubmittedAt           *time.Time           `json:"submitted_at,omitempty"`
	ProcessedAt           *time.Time           `json:"processed_at,omitempty"`
	ConfirmedAt           *time.Time           `json:"confirmed_at,omitempty"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	ExpiresAt             time.Time            `json:"expires_at"`
}

// NewTransactionRecord builds the PENDING record for req. id is the identifier
// already reserved against the idempotency key.
func NewTransactionRecord(id uuid.UUID, req PaymentRequest, fee money.Money, idempotencyKey string, policy TransactionPolicy, now time.Time) (TransactionRecord, []Event) {
	r := TransactionRecord{
		ID:                    id,
		PaymentRequestID:      req.ID,
		UserID:                req.UserID,
		MerchantID:            req.MerchantID,
		IdempotencyKey:        idempotencyKey,
		Network:               req.Network,
		Amount:                req.Amount,
		FeesPaid:              fee,
		FromAddress:           req.FromAddress,
		ToAddress:             req.RecipientAddress,
		Description:           req.Description,
		Status:                TransactionStatusPending,
		RequiredConfirmations: policy.RequiredConfirmations,
		MaxRetries:            policy.MaxRetries,
		Extension:             req.Extension.Normalize(),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
		ExpiresAt:             now.Add(policy.Expiry),
	}
	return r, []Event{newTransactionEvent(EventPaymentInitiated, r, now, map[string]string{
		"network": string(r.Network),
		"fee":     fee.String(),
	})}
}

// IsTerminal returns true if the record is in a final state.
func (r TransactionRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Submitted reports whether the record was handed to the executor.
func (r TransactionRecord) Submitted() bool {
	return r.SubmittedAt != nil
}

// ShortHash abbreviates the chain hash for display.
func (r TransactionRecord) ShortHash() string {
	if len(r.BlockchainHash) <= 10 {
		return r.BlockchainHash
	}
	return r.BlockchainHash[:6] + "..." + r.BlockchainHash[len(r.BlockchainHash)-4:]
}

func (r TransactionRecord) moveTo(next TransactionStatus, now time.Time) (TransactionRecord, error) {
	if r.Status.IsTerminal() {
		return r, fmt.Errorf("%w: %s", ErrTerminalState, r.Status)
	}
	if !r.Status.CanTransitionTo(next) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return r.touch(now), nil
}

func (r TransactionRecord) touch(now time.Time) TransactionRecord {
	r.Version++
	r.UpdatedAt = now
	return r
}

func stampOnce(ts *time.Time, now time.Time) *time.Time {
	if ts != nil {
		return ts
	}
	t := now
	return &t
}

// MarkSubmitting closes the cancellation window before the executor is called.
// The record stays PENDING.
func (r TransactionRecord) MarkSubmitting(now time.Time) (TransactionRecord, error) {
	if r.Status != TransactionStatusPending {
		return r, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, r.Status)
	}
	if r.Submitted() {
		return r, fmt.Errorf("%w: already submitted", ErrInvalidTransition)
	}
	r.SubmittedAt = stampOnce(nil, now)
	return r.touch(now), nil
}

// RecordRetry counts one more submission attempt.
func (r TransactionRecord) RecordRetry(now time.Time) (TransactionRecord, error) {
	if r.Status != TransactionStatusPending || r.BlockchainHash != "" {
		return r, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, r.Status)
	}
	if r.RetryCount >= r.MaxRetries {
		return r, fmt.Errorf("%w: retries exhausted", ErrInvalidTransition)
	}
	r.RetryCount++
	return r.touch(now), nil
}

// MarkSubmitted records the chain reference and moves to PROCESSING.
func (r TransactionRecord) MarkSubmitted(hash string, now time.Time) (TransactionRecord, []Event, error) {
	if hash == "" {
		return r, nil, fmt.Errorf("%w: empty blockchain hash", ErrInvalidTransition)
	}
	next, err := r.moveTo(TransactionStatusProcessing, now)
	if err != nil {
		return r, nil, err
	}
	next.BlockchainHash = hash
	next.ProcessedAt = stampOnce(next.ProcessedAt, now)
	return next, nil, nil
}

// ApplyConfirmations folds a confirmation count observed on chain into the
// record. Counts lower than the stored value are ignored. The returned record
// has the same Version as r when nothing changed.
func (r TransactionRecord) ApplyConfirmations(confirmations int64, blockNumber *uint64, now time.Time) (TransactionRecord, []Event, error) {
	switch r.Status {
	case TransactionStatusProcessing, TransactionStatusConfirming, TransactionStatusConfirmed:
	default:
		if r.Status.IsTerminal() {
			return r, nil, fmt.Errorf("%w: %s", ErrTerminalState, r.Status)
		}
		return r, nil, fmt.Errorf("%w: confirmations on %s", ErrInvalidTransition, r.Status)
	}
	if confirmations <= r.Confirmations {
		return r, nil, nil
	}

	next := r
	next.Confirmations = confirmations
	if blockNumber != nil && next.BlockNumber == nil {
		b := *blockNumber
		next.BlockNumber = &b
	}

	var err error
	if next.Status == TransactionStatusProcessing {
		if next, err = next.moveTo(TransactionStatusConfirming, now); err != nil {
			return r, nil, err
		}
	}
	if next.Status == TransactionStatusConfirming && next.Confirmations >= next.RequiredConfirmations {
		if next, err = next.moveTo(TransactionStatusConfirmed, now); err != nil {
			return r, nil, err
		}
		next.ConfirmedAt = stampOnce(next.ConfirmedAt, now)
	}
	if next.Version == r.Version {
		next = next.touch(now)
	}
	return next, nil, nil
}

// Complete finalizes a CONFIRMED record.
func (r TransactionRecord) Complete(now time.Time) (TransactionRecord, []Event, error) {
	next, err := r.moveTo(TransactionStatusCompleted, now)
	if err != nil {
		return r, nil, err
	}
	next.CompletedAt = stampOnce(next.CompletedAt, now)
	return next, []Event{newTransactionEvent(EventPaymentCompleted, next, now, map[string]string{
		"blockchain_hash": next.BlockchainHash,
	})}, nil
}

// Fail moves the record to FAILED and records why.
func (r TransactionRecord) Fail(code, message string, now time.Time) (TransactionRecord, []Event, error) {
	next, err := r.moveTo(TransactionStatusFailed, now)
	if err != nil {
		return r, nil, err
	}
	next.ErrorCode = code
	next.ErrorMessage = message
	return next, []Event{newTransactionEvent(EventPaymentFailed, next, now, map[string]string{
		"error_code": code,
	})}, nil
}

// Cancel is only possible before the record is handed to the executor.
func (r TransactionRecord) Cancel(now time.Time) (TransactionRecord, []Event, error) {
	if r.Status == TransactionStatusPending && r.Submitted() {
		return r, nil, ErrNotCancellable
	}
	if r.Status != TransactionStatusPending && !r.Status.IsTerminal() {
		return r, nil, ErrNotCancellable
	}
	next, err := r.moveTo(TransactionStatusCancelled, now)
	if err != nil {
		return r, nil, err
	}
	return next, []Event{newTransactionEvent(EventPaymentCancelled, next, now, nil)}, nil
}

// Expire abandons a record that did not progress before its deadline.
func (r TransactionRecord) Expire(now time.Time) (TransactionRecord, []Event, error) {
	next, err := r.moveTo(TransactionStatusExpired, now)
	if err != nil {
		return r, nil, err
	}
	return next, []Event{newTransactionEvent(EventPaymentExpired, next, now, nil)}, nil
}

// Expired reports whether the record is past its deadline without chain progress.
// A PENDING record that was already handed to the executor never expires: the
// transfer may be on chain with only its hash missing.
func (r TransactionRecord) Expired(now time.Time) bool {
	if !now.After(r.ExpiresAt) {
		return false
	}
	switch r.Status {
	case TransactionStatusPending:
		return !r.Submitted()
	case TransactionStatusProcessing:
		return r.Confirmations == 0
	}
	return false
}
