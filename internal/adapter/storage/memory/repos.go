package memory

import (
	"context"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// MerchantRepository implements ports.MerchantRepository.
type MerchantRepository struct{ s *Store }

// Put inserts or replaces a merchant profile.
func (r *MerchantRepository) Put(m domain.Merchant) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.merchants[m.ID] = m
}

func (r *MerchantRepository) GetSettlementProfile(_ context.Context, id uuid.UUID) (*domain.Merchant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.merchants[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *MerchantRepository) ListAutoSettlement(_ context.Context) ([]domain.Merchant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Merchant
	for _, m := range r.s.merchants {
		if m.AutoSettlementEnabled && m.IsActive() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MerchantRepository) MarkSettled(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m, ok := r.s.merchants[id]; ok {
		m.LastSettledAt = &at
		r.s.merchants[id] = m
	}
	return nil
}

// IdempotencyStore implements ports.IdempotencyStore. Reserve is atomic
// under the store lock.
type IdempotencyStore struct{ s *Store }

func (r *IdempotencyStore) Reserve(_ context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.idempotency[rec.Key]; ok && existing.ExpiresAt.After(r.s.now()) {
		return &existing, false, nil
	}
	r.s.idempotency[rec.Key] = rec
	return nil, true, nil
}

func (r *IdempotencyStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.idempotency[key]
	if !ok || !rec.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (r *IdempotencyStore) Release(_ context.Context, key string, transactionID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec, ok := r.s.idempotency[key]; ok && rec.ResultTransactionID == transactionID {
		delete(r.s.idempotency, key)
	}
	return nil
}

// BalanceProvider implements ports.BalanceProvider over seeded balances.
type BalanceProvider struct{ s *Store }

// Set seeds the available balance for a user.
func (r *BalanceProvider) Set(userID uuid.UUID, available money.Money) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.balances[balanceKey{userID, available.Currency()}] = available
}

func (r *BalanceProvider) AvailableBalance(_ context.Context, userID uuid.UUID, currency money.Currency) (money.Money, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if m, ok := r.s.balances[balanceKey{userID, currency}]; ok {
		return m, nil
	}
	return money.Zero(currency), nil
}

// AuditRepository implements ports.AuditRepository.
type AuditRepository struct{ s *Store }

func (r *AuditRepository) Save(_ context.Context, event domain.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, event)
	return nil
}

// Events returns the recorded events in order.
func (r *AuditRepository) Events() []domain.Event {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Event, len(r.s.events))
	copy(out, r.s.events)
	return out
}
