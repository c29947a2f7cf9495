// Package memory is an in-process storage driver. It backs the dev profile
// (storage.driver=memory) and the service-level concurrency tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// ErrDuplicateID is returned when saving an entity whose ID already exists.
var ErrDuplicateID = errors.New("memory: duplicate id")

type balanceKey struct {
	userID   uuid.UUID
	currency money.Currency
}

// Store holds every entity behind one lock so multi-entity operations such
// as settlement assignment are atomic.
type Store struct {
	mu           sync.RWMutex
	transactions map[uuid.UUID]domain.TransactionRecord
	settlements  map[uuid.UUID]domain.Settlement
	merchants    map[uuid.UUID]domain.Merchant
	idempotency  map[string]domain.IdempotencyRecord
	balances     map[balanceKey]money.Money
	events       []domain.Event
	now          func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		transactions: make(map[uuid.UUID]domain.TransactionRecord),
		settlements:  make(map[uuid.UUID]domain.Settlement),
		merchants:    make(map[uuid.UUID]domain.Merchant),
		idempotency:  make(map[string]domain.IdempotencyRecord),
		balances:     make(map[balanceKey]money.Money),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Transactions() *TransactionRepository { return &TransactionRepository{s} }
func (s *Store) Settlements() *SettlementRepository   { return &SettlementRepository{s} }
func (s *Store) Merchants() *MerchantRepository       { return &MerchantRepository{s} }
func (s *Store) Idempotency() *IdempotencyStore       { return &IdempotencyStore{s} }
func (s *Store) Balances() *BalanceProvider           { return &BalanceProvider{s} }
func (s *Store) Audit() *AuditRepository              { return &AuditRepository{s} }

// Ping implements ports.HealthChecker.
func (s *Store) Ping(_ context.Context) error { return nil }

// Name implements ports.HealthChecker.
func (s *Store) Name() string { return "memory" }

func cloneSettlement(st domain.Settlement) domain.Settlement {
	st.TransactionIDs = slices.Clone(st.TransactionIDs)
	return st
}
