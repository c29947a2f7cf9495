package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/google/uuid"
)

// TransactionRepository implements ports.TransactionRepository.
type TransactionRepository struct{ s *Store }

func (r *TransactionRepository) Save(_ context.Context, rec *domain.TransactionRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.transactions[rec.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicateID, rec.ID)
	}
	r.s.transactions[rec.ID] = *rec
	return nil
}

func (r *TransactionRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.transactions[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Update never touches SettlementID; assignment belongs to the settlement repository.
func (r *TransactionRepository) Update(_ context.Context, rec *domain.TransactionRecord, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.transactions[rec.ID]
	if !ok {
		return fmt.Errorf("transaction %s not found", rec.ID)
	}
	if stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	next := *rec
	next.SettlementID = stored.SettlementID
	r.s.transactions[rec.ID] = next
	rec.SettlementID = stored.SettlementID
	return nil
}

func (r *TransactionRepository) FindUnassignedConfirmed(_ context.Context, merchantID uuid.UUID) ([]domain.TransactionRecord, error) {
	return r.filter(0, func(rec domain.TransactionRecord) bool {
		if rec.MerchantID == nil || *rec.MerchantID != merchantID || rec.SettlementID != nil {
			return false
		}
		return rec.Status == domain.TransactionStatusConfirmed || rec.Status == domain.TransactionStatusCompleted
	}), nil
}

func (r *TransactionRepository) FindAwaitingConfirmation(_ context.Context, limit int) ([]domain.TransactionRecord, error) {
	return r.filter(limit, func(rec domain.TransactionRecord) bool {
		return rec.BlockchainHash != "" &&
			(rec.Status == domain.TransactionStatusProcessing || rec.Status == domain.TransactionStatusConfirming)
	}), nil
}

func (r *TransactionRepository) FindByStatus(_ context.Context, status domain.TransactionStatus, limit int) ([]domain.TransactionRecord, error) {
	return r.filter(limit, func(rec domain.TransactionRecord) bool {
		return rec.Status == status
	}), nil
}

func (r *TransactionRepository) FindExpirable(_ context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error) {
	return r.filter(limit, func(rec domain.TransactionRecord) bool {
		return rec.Expired(now)
	}), nil
}

// filter returns matches oldest first; limit <= 0 means no limit.
func (r *TransactionRepository) filter(limit int, keep func(domain.TransactionRecord) bool) []domain.TransactionRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.TransactionRecord
	for _, rec := range r.s.transactions {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.TransactionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
