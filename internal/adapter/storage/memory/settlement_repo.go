package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/google/uuid"
)

// SettlementRepository implements ports.SettlementRepository.
type SettlementRepository struct{ s *Store }

func (r *SettlementRepository) CreateWithTransactions(_ context.Context, st *domain.Settlement) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.settlements[st.ID]; ok {
		return fmt.Errorf("%w: settlement %s", ErrDuplicateID, st.ID)
	}
	for _, txID := range st.TransactionIDs {
		rec, ok := r.s.transactions[txID]
		if !ok {
			return fmt.Errorf("%w: transaction %s does not exist", ports.ErrAssignmentConflict, txID)
		}
		if rec.SettlementID != nil {
			return fmt.Errorf("%w: transaction %s already in settlement %s", ports.ErrAssignmentConflict, txID, *rec.SettlementID)
		}
	}

	id := st.ID
	for _, txID := range st.TransactionIDs {
		rec := r.s.transactions[txID]
		rec.SettlementID = &id
		r.s.transactions[txID] = rec
	}
	r.s.settlements[st.ID] = cloneSettlement(*st)
	return nil
}

func (r *SettlementRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Settlement, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	st, ok := r.s.settlements[id]
	if !ok {
		return nil, nil
	}
	st = cloneSettlement(st)
	return &st, nil
}

// FindByExternalReference matches the channel reference or our own reference number.
func (r *SettlementRepository) FindByExternalReference(_ context.Context, method domain.SettlementMethod, ref string) (*domain.Settlement, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, st := range r.s.settlements {
		if st.Method == method && (st.ExternalReference == ref || st.ReferenceNumber == ref) {
			st = cloneSettlement(st)
			return &st, nil
		}
	}
	return nil, nil
}

func (r *SettlementRepository) Update(_ context.Context, st *domain.Settlement, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.update(st, expectedVersion)
}

// CancelWithTransactions clears settlement_id on every transaction still
// pointing at st under the same lock as the version check.
func (r *SettlementRepository) CancelWithTransactions(_ context.Context, st *domain.Settlement, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.update(st, expectedVersion); err != nil {
		return err
	}
	for _, txID := range st.TransactionIDs {
		rec, ok := r.s.transactions[txID]
		if !ok || rec.SettlementID == nil || *rec.SettlementID != st.ID {
			continue
		}
		rec.SettlementID = nil
		r.s.transactions[txID] = rec
	}
	return nil
}

func (r *SettlementRepository) update(st *domain.Settlement, expectedVersion int64) error {
	stored, ok := r.s.settlements[st.ID]
	if !ok {
		return fmt.Errorf("settlement %s not found", st.ID)
	}
	if stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	r.s.settlements[st.ID] = cloneSettlement(*st)
	return nil
}

func (r *SettlementRepository) FindStaleProcessing(_ context.Context, claimedBefore time.Time, limit int) ([]domain.Settlement, error) {
	return r.filter(limit, func(st domain.Settlement) bool {
		return st.Status == domain.SettlementStatusProcessing && st.UpdatedAt.Before(claimedBefore)
	}), nil
}

func (r *SettlementRepository) FindDispatchable(_ context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	return r.filter(limit, func(st domain.Settlement) bool {
		return st.Status == domain.SettlementStatusPending || st.RetryDue(now)
	}), nil
}

func (r *SettlementRepository) filter(limit int, keep func(domain.Settlement) bool) []domain.Settlement {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Settlement
	for _, st := range r.s.settlements {
		if keep(st) {
			out = append(out, cloneSettlement(st))
		}
	}
	slices.SortFunc(out, func(a, b domain.Settlement) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
