package service

import (
	"context"
	"fmt"

	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// BalanceValidator compares a user's available balance with a required amount.
type BalanceValidator struct {
	provider ports.BalanceProvider
}

// NewBalanceValidator creates a BalanceValidator.
func NewBalanceValidator(provider ports.BalanceProvider) *BalanceValidator {
	return &BalanceValidator{provider: provider}
}

// ValidateSufficientBalance returns PAY_001 when the available balance is below amount.
func (v *BalanceValidator) ValidateSufficientBalance(ctx context.Context, userID uuid.UUID, amount money.Money) error {
	available, err := v.provider.AvailableBalance(ctx, userID, amount.Currency())
	if err != nil {
		return apperror.InternalError(fmt.Errorf("read balance: %w", err))
	}
	cmp, err := available.Cmp(amount)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("compare balance: %w", err))
	}
	if cmp < 0 {
		return apperror.ErrInsufficientBalance()
	}
	return nil
}
