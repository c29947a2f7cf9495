package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptySettlement  = errors.New("settlement has no transactions")
	ErrDuplicateInBatch = errors.New("transaction listed twice in settlement")
	ErrRetryNotDue      = errors.New("settlement retry is not due")
)

// SettlementStatus represents the payout lifecycle.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "PENDING"
	SettlementStatusProcessing SettlementStatus = "PROCESSING"
	SettlementStatusCompleted  SettlementStatus = "COMPLETED"
	SettlementStatusFailed     SettlementStatus = "FAILED"
	SettlementStatusCancelled  SettlementStatus = "CANCELLED"
)

// SettlementMethod selects the payout channel.
type SettlementMethod string

const (
	SettlementMethodMpesa        SettlementMethod = "mpesa"
	SettlementMethodBankTransfer SettlementMethod = "bank_transfer"
	SettlementMethodCryptoWallet SettlementMethod = "crypto_wallet"
)

func (m SettlementMethod) Valid() bool {
	switch m {
	case SettlementMethodMpesa, SettlementMethodBankTransfer, SettlementMethodCryptoWallet:
		return true
	}
	return false
}

// Backoff is the delay table used after failed dispatches, indexed by retry count.
type Backoff []time.Duration

// DefaultSettlementBackoff is 5, 15 and 45 minutes.
var DefaultSettlementBackoff = Backoff{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}

// Delay returns the wait after the retryCount-th failure, clamped to the last entry.
func (b Backoff) Delay(retryCount int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(b) {
		i = len(b) - 1
	}
	return b[i]
}

// SettlementPolicy configures new settlements.
type SettlementPolicy struct {
	MaxRetries int
	Backoff    Backoff
}

// DefaultSettlementPolicy allows three dispatch attempts.
func DefaultSettlementPolicy() SettlementPolicy {
	return SettlementPolicy{MaxRetries: 3, Backoff: DefaultSettlementBackoff}
}

// Settlement is a payout of a merchant's confirmed revenue.
type Settlement struct {
	ID                uuid.UUID             `json:"id"`
	MerchantID        uuid.UUID             `json:"merchant_id"`
	ReferenceNumber   string                `json:"reference_number"`
	GrossAmount       money.Money           `json:"gross_amount"`
	Fee               money.Money           `json:"fee"`
	NetAmount         money.Money           `json:"net_amount"`
	Method            SettlementMethod      `json:"settlement_method"`
	Destination       SettlementDestination `json:"destination"`
	Status            SettlementStatus      `json:"status"`
	TransactionIDs    []uuid.UUID           `json:"transaction_ids"`
	RetryCount        int                   `json:"retry_count"`
	MaxRetries        int                   `json:"max_retries"`
	NextRetryAt       *time.Time            `json:"next_retry_at,omitempty"`
	ExternalReference string                `json:"external_reference,omitempty"`
	ErrorCode         string                `json:"error_code,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	PeriodStart       time.Time             `json:"period_start"`
	PeriodEnd         time.Time             `json:"period_end"`
	Version           int64                 `json:"-"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	ProcessedAt       *time.Time            `json:"processed_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
}

// NewSettlement computes fee and net for gross and fixes the transaction set.
func NewSettlement(merchant Merchant, transactionIDs []uuid.UUID, gross money.Money, periodStart time.Time, policy SettlementPolicy, now time.Time) (Settlement, []Event, error) {
	if len(transactionIDs) == 0 {
		return Settlement{}, nil, ErrEmptySettlement
	}
	seen := make(map[uuid.UUID]struct{}, len(transactionIDs))
	ids := make([]uuid.UUID, 0, len(transactionIDs))
	for _, id := range transactionIDs {
		if _, dup := seen[id]; dup {
			return Settlement{}, nil, fmt.Errorf("%w: %s", ErrDuplicateInBatch, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	fee, net, err := SplitFee(gross, merchant.SettlementFeePercentage)
	if err != nil {
		return Settlement{}, nil, err
	}

	id := uuid.New()
	s := Settlement{
		ID:              id,
		MerchantID:      merchant.ID,
		ReferenceNumber: SettlementReference(id, now),
		GrossAmount:     gross,
		Fee:             fee,
		NetAmount:       net,
		Method:          merchant.SettlementMethod,
		Destination:     merchant.Destination(),
		Status:          SettlementStatusPending,
		TransactionIDs:  ids,
		MaxRetries:      policy.MaxRetries,
		PeriodStart:     periodStart,
		PeriodEnd:       now,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s, []Event{newSettlementEvent(EventSettlementInitiated, s, now, map[string]string{
		"method":            string(s.Method),
		"transaction_count": fmt.Sprint(len(ids)),
		"gross_amount":      gross.String(),
		"fee":               fee.String(),
	})}, nil
}

// SplitFee returns fee = gross × percentage and net = gross - fee.
func SplitFee(gross money.Money, percentage decimal.Decimal) (fee, net money.Money, err error) {
	if fee, err = gross.Mul(percentage); err != nil {
		return money.Money{}, money.Money{}, fmt.Errorf("settlement fee: %w", err)
	}
	if net, err = gross.Sub(fee); err != nil {
		return money.Money{}, money.Money{}, fmt.Errorf("settlement net: %w", err)
	}
	return fee, net, nil
}

// SettlementReference formats the human-facing reference number.
func SettlementReference(id uuid.UUID, now time.Time) string {
	return fmt.Sprintf("STL-%s-%s", now.UTC().Format("20060102"),
		strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8]))
}

// IsTerminal reports whether no further dispatch can happen.
func (s Settlement) IsTerminal() bool {
	switch s.Status {
	case SettlementStatusCompleted, SettlementStatusCancelled:
		return true
	case SettlementStatusFailed:
		return s.RetriesExhausted()
	}
	return false
}

// RetriesExhausted reports whether the failure budget is spent.
func (s Settlement) RetriesExhausted() bool {
	return s.RetryCount >= s.MaxRetries
}

// RetryDue reports whether a FAILED settlement may be dispatched again at now.
func (s Settlement) RetryDue(now time.Time) bool {
	return s.Status == SettlementStatusFailed &&
		!s.RetriesExhausted() &&
		s.NextRetryAt != nil &&
		!s.NextRetryAt.After(now)
}

func (s Settlement) touch(now time.Time) Settlement {
	s.Version++
	s.UpdatedAt = now
	return s
}

// Claim moves a dispatchable settlement to PROCESSING. Persisting the result
// with a version compare-and-set is what prevents double dispatch.
func (s Settlement) Claim(now time.Time) (Settlement, error) {
	switch s.Status {
	case SettlementStatusPending:
	case SettlementStatusFailed:
		if !s.RetryDue(now) {
			return s, fmt.Errorf("%w: retry_count=%d", ErrRetryNotDue, s.RetryCount)
		}
	default:
		if s.IsTerminal() {
			return s, fmt.Errorf("%w: %s", ErrTerminalState, s.Status)
		}
		return s, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = SettlementStatusProcessing
	s.NextRetryAt = nil
	s.ErrorCode, s.ErrorMessage = "", ""
	s.ProcessedAt = stampOnce(s.ProcessedAt, now)
	return s.touch(now), nil
}

// AwaitCallback records the channel reference of an accepted payout that
// will be finalized by a webhook.
func (s Settlement) AwaitCallback(externalReference string, now time.Time) (Settlement, error) {
	if s.Status != SettlementStatusProcessing {
		return s, fmt.Errorf("%w: await callback from %s", ErrInvalidTransition, s.Status)
	}
	s.ExternalReference = externalReference
	return s.touch(now), nil
}

// Complete marks the payout delivered.
func (s Settlement) Complete(externalReference string, now time.Time) (Settlement, []Event, error) {
	if s.Status != SettlementStatusProcessing {
		return s, nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = SettlementStatusCompleted
	if externalReference != "" {
		s.ExternalReference = externalReference
	}
	s.CompletedAt = stampOnce(s.CompletedAt, now)
	s = s.touch(now)
	return s, []Event{newSettlementEvent(EventSettlementCompleted, s, now, map[string]string{
		"external_reference": s.ExternalReference,
	})}, nil
}

// RecordFailure moves a PROCESSING settlement to FAILED, counts the attempt
// and schedules the next retry from backoff while attempts remain.
func (s Settlement) RecordFailure(code, message string, backoff Backoff, now time.Time) (Settlement, []Event, error) {
	if s.Status != SettlementStatusProcessing {
		return s, nil, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = SettlementStatusFailed
	s.ErrorCode = code
	s.ErrorMessage = message
	if s.RetryCount < s.MaxRetries {
		s.RetryCount++
	}
	s.NextRetryAt = nil
	if !s.RetriesExhausted() {
		at := now.Add(backoff.Delay(s.RetryCount))
		s.NextRetryAt = &at
	}
	s = s.touch(now)

	attrs := map[string]string{
		"error_code":  code,
		"retry_count": fmt.Sprint(s.RetryCount),
	}
	if s.NextRetryAt != nil {
		attrs["next_retry_at"] = s.NextRetryAt.UTC().Format(time.RFC3339)
	}
	return s, []Event{newSettlementEvent(EventSettlementFailed, s, now, attrs)}, nil
}

// Cancel withdraws a settlement that was never dispatched.
func (s Settlement) Cancel(now time.Time) (Settlement, error) {
	if s.Status != SettlementStatusPending {
		return s, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = SettlementStatusCancelled
	return s.touch(now), nil
}
