package service

import (
	"context"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SettlementServiceImpl implements ports.SettlementService on top of the
// batcher and the dispatcher.
type SettlementServiceImpl struct {
	batcher     *SettlementBatcher
	dispatcher  *SettlementDispatcher
	merchants   ports.MerchantRepository
	settlements ports.SettlementRepository
	log         zerolog.Logger
}

// NewSettlementService creates a SettlementServiceImpl.
func NewSettlementService(
	batcher *SettlementBatcher,
	dispatcher *SettlementDispatcher,
	merchants ports.MerchantRepository,
	settlements ports.SettlementRepository,
	log zerolog.Logger,
) *SettlementServiceImpl {
	return &SettlementServiceImpl{
		batcher:     batcher,
		dispatcher:  dispatcher,
		merchants:   merchants,
		settlements: settlements,
		log:         log,
	}
}

// BuildAndDispatch settles every confirmed transaction no settlement holds yet
// and dispatches it. The merchant's last settlement time only opens the new
// period. A failed first dispatch is not an error for the caller: the
// settlement is returned FAILED with its retry scheduled.
func (s *SettlementServiceImpl) BuildAndDispatch(ctx context.Context, merchantID uuid.UUID) (*domain.Settlement, error) {
	merchant, err := s.merchants.GetSettlementProfile(ctx, merchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load merchant: %w", err))
	}
	if merchant == nil {
		return nil, apperror.ErrMerchantNotFound()
	}
	var since time.Time
	if merchant.LastSettledAt != nil {
		since = *merchant.LastSettledAt
	}

	settlement, err := s.batcher.Build(ctx, merchantID, since)
	if err != nil {
		return nil, err
	}
	if err := s.merchants.MarkSettled(ctx, merchantID, settlement.PeriodEnd); err != nil {
		s.log.Warn().Err(err).Str("merchant_id", merchantID.String()).Msg("failed to record last settlement time")
	}

	dispatched, err := s.dispatcher.Dispatch(ctx, settlement)
	switch {
	case err == nil:
		return dispatched, nil
	case dispatched != nil:
		return dispatched, nil
	case apperror.HasCode(err, "STL_006"):
		// A sweep picked it up first.
		return settlement, nil
	default:
		return nil, err
	}
}

// GetSettlement returns a settlement owned by merchantID.
func (s *SettlementServiceImpl) GetSettlement(ctx context.Context, merchantID, settlementID uuid.UUID) (*domain.Settlement, error) {
	settlement, err := s.settlements.FindByID(ctx, settlementID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("find settlement: %w", err))
	}
	if settlement == nil || settlement.MerchantID != merchantID {
		return nil, apperror.ErrNotFound("Settlement")
	}
	return settlement, nil
}

// HandleCallback forwards a channel result to the dispatcher.
func (s *SettlementServiceImpl) HandleCallback(ctx context.Context, result domain.CallbackResult) (*domain.Settlement, error) {
	return s.dispatcher.HandleCallback(ctx, result)
}

// CancelSettlement withdraws a PENDING settlement owned by merchantID.
func (s *SettlementServiceImpl) CancelSettlement(ctx context.Context, merchantID, settlementID uuid.UUID) (*domain.Settlement, error) {
	if _, err := s.GetSettlement(ctx, merchantID, settlementID); err != nil {
		return nil, err
	}
	return s.dispatcher.Cancel(ctx, settlementID)
}

// AutoSettle runs BuildAndDispatch for every merchant with auto-settlement
// enabled and returns how many settlements were created.
func (s *SettlementServiceImpl) AutoSettle(ctx context.Context) (int, error) {
	merchants, err := s.merchants.ListAutoSettlement(ctx)
	if err != nil {
		return 0, fmt.Errorf("list auto-settlement merchants: %w", err)
	}
	created := 0
	for _, m := range merchants {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		log := s.log.With().Str("merchant_id", m.ID.String()).Logger()
		_, err := s.BuildAndDispatch(ctx, m.ID)
		switch {
		case err == nil:
			created++
		case apperror.HasCode(err, "STL_001"), apperror.HasCode(err, "STL_002"):
			log.Debug().Err(err).Msg("nothing to auto-settle")
		default:
			log.Error().Err(err).Msg("auto-settlement failed")
		}
	}
	return created, nil
}
