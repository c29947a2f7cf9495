package ports

import (
	"context"
	"errors"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

var (
	// ErrVersionConflict is returned by compare-and-set updates when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("concurrent update: version mismatch")
	// ErrAssignmentConflict is returned when a transaction already belongs to a settlement.
	ErrAssignmentConflict = errors.New("transaction already assigned to a settlement")
)

// TransactionRepository persists TransactionRecords.
// Finders return (nil, nil) when the record does not exist.
type TransactionRepository interface {
	Save(ctx context.Context, rec *domain.TransactionRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error)
	// Update writes rec if the stored version equals expectedVersion.
	Update(ctx context.Context, rec *domain.TransactionRecord, expectedVersion int64) error
	// FindUnassignedConfirmed lists every CONFIRMED or COMPLETED record of the
	// merchant that no settlement holds, regardless of when it was confirmed.
	FindUnassignedConfirmed(ctx context.Context, merchantID uuid.UUID) ([]domain.TransactionRecord, error)
	FindAwaitingConfirmation(ctx context.Context, limit int) ([]domain.TransactionRecord, error)
	FindByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.TransactionRecord, error)
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error)
}

// SettlementRepository persists Settlements.
type SettlementRepository interface {
	// CreateWithTransactions inserts s and assigns s.TransactionIDs to it in one
	// database transaction. ErrAssignmentConflict means nothing was written.
	CreateWithTransactions(ctx context.Context, s *domain.Settlement) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	FindByExternalReference(ctx context.Context, method domain.SettlementMethod, ref string) (*domain.Settlement, error)
	Update(ctx context.Context, s *domain.Settlement, expectedVersion int64) error
	// CancelWithTransactions writes s like Update and, in the same database
	// transaction, hands its transactions back so a later settlement can take them.
	CancelWithTransactions(ctx context.Context, s *domain.Settlement, expectedVersion int64) error
	// FindStaleProcessing returns PROCESSING settlements last touched before claimedBefore.
	FindStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Settlement, error)
	// FindDispatchable returns PENDING settlements and FAILED ones whose retry is due.
	FindDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error)
}

// MerchantRepository reads merchant settlement profiles.
type MerchantRepository interface {
	GetSettlementProfile(ctx context.Context, id uuid.UUID) (*domain.Merchant, error)
	ListAutoSettlement(ctx context.Context) ([]domain.Merchant, error)
	MarkSettled(ctx context.Context, id uuid.UUID, at time.Time) error
}

// IdempotencyStore maps client keys to the transaction they produced.
type IdempotencyStore interface {
	// Reserve inserts rec if no record exists for rec.Key. When one exists it is
	// returned with reserved=false and nothing is written.
	Reserve(ctx context.Context, rec domain.IdempotencyRecord) (existing *domain.IdempotencyRecord, reserved bool, err error)
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Release deletes the reservation if it still points at transactionID.
	Release(ctx context.Context, key string, transactionID uuid.UUID) error
}

// BalanceProvider reads a user's spendable balance.
type BalanceProvider interface {
	AvailableBalance(ctx context.Context, userID uuid.UUID, currency money.Currency) (money.Money, error)
}

// AuditRepository stores audit events durably.
type AuditRepository interface {
	Save(ctx context.Context, event domain.Event) error
}
