package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SettlementBatcher groups a merchant's unassigned confirmed revenue into a
// single PENDING settlement.
type SettlementBatcher struct {
	merchants   ports.MerchantRepository
	txRepo      ports.TransactionRepository
	settlements ports.SettlementRepository
	rates       ports.ExchangeRateProvider
	audit       *AuditService
	policy      domain.SettlementPolicy
	log         zerolog.Logger
	now         func() time.Time
}

// NewSettlementBatcher creates a SettlementBatcher.
func NewSettlementBatcher(
	merchants ports.MerchantRepository,
	txRepo ports.TransactionRepository,
	settlements ports.SettlementRepository,
	rates ports.ExchangeRateProvider,
	audit *AuditService,
	policy domain.SettlementPolicy,
	log zerolog.Logger,
) *SettlementBatcher {
	return &SettlementBatcher{
		merchants:   merchants,
		txRepo:      txRepo,
		settlements: settlements,
		rates:       rates,
		audit:       audit,
		policy:      policy,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Build creates a settlement holding every confirmed transaction of the
// merchant that no settlement holds yet. since is the end of the previous
// settlement period and only marks where this one starts; a transaction whose
// confirmation was committed late is still picked up.
func (b *SettlementBatcher) Build(ctx context.Context, merchantID uuid.UUID, since time.Time) (*domain.Settlement, error) {
	log := b.log.With().Str("merchant_id", merchantID.String()).Logger()

	merchant, err := b.merchants.GetSettlementProfile(ctx, merchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load merchant: %w", err))
	}
	if merchant == nil {
		return nil, apperror.ErrMerchantNotFound()
	}
	if !merchant.IsActive() {
		return nil, apperror.ErrMerchantSuspended()
	}

	txs, err := b.txRepo.FindUnassignedConfirmed(ctx, merchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load settleable transactions: %w", err))
	}
	if len(txs) == 0 {
		return nil, apperror.ErrNothingToSettle()
	}

	gross, err := b.gross(ctx, merchant.SettlementCurrency, txs)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if gross.LessThan(merchant.MinimumSettlement) {
		log.Debug().Str("gross", gross.String()).Msg("settlement below merchant minimum")
		return nil, apperror.ErrBelowMinimumSettlement(merchant.MinimumSettlement.Format())
	}

	ids := make([]uuid.UUID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	periodStart := since
	if periodStart.IsZero() || txs[0].CreatedAt.Before(periodStart) {
		periodStart = txs[0].CreatedAt
	}

	s, events, err := domain.NewSettlement(*merchant, ids, gross, periodStart, b.policy, b.now())
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("build settlement: %w", err))
	}
	if err := b.settlements.CreateWithTransactions(ctx, &s); err != nil {
		if errors.Is(err, ports.ErrAssignmentConflict) {
			log.Warn().Err(err).Msg("transactions were assigned concurrently")
			return nil, apperror.ErrAssignmentConflict(err)
		}
		return nil, apperror.InternalError(fmt.Errorf("create settlement: %w", err))
	}
	b.audit.Record(ctx, events...)

	log.Info().
		Str("settlement_id", s.ID.String()).
		Str("reference", s.ReferenceNumber).
		Int("transactions", len(ids)).
		Str("gross", s.GrossAmount.String()).
		Str("fee", s.Fee.String()).
		Str("net", s.NetAmount.String()).
		Msg("settlement created")
	return &s, nil
}

// gross sums transaction amounts converted to the settlement currency.
func (b *SettlementBatcher) gross(ctx context.Context, currency money.Currency, txs []domain.TransactionRecord) (money.Money, error) {
	rates := make(map[money.Currency]decimal.Decimal)
	converted := make([]money.Money, 0, len(txs))
	for _, tx := range txs {
		from := tx.Amount.Currency()
		rate, ok := rates[from]
		if !ok {
			r, err := b.rates.Rate(ctx, from, currency)
			if err != nil {
				return money.Money{}, fmt.Errorf("exchange rate %s/%s: %w", from, currency, err)
			}
			rates[from], rate = r, r
		}
		m, err := tx.Amount.ConvertTo(currency, rate)
		if err != nil {
			return money.Money{}, fmt.Errorf("convert transaction %s: %w", tx.ID, err)
		}
		converted = append(converted, m)
	}
	return money.Sum(currency, converted...)
}
