package postgres

import (
	"context"
	"errors"
	"fmt"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// BalanceRepo implements ports.BalanceProvider over the custodial wallet ledger.
type BalanceRepo struct {
	pool Pool
}

// NewBalanceRepo creates a new BalanceRepo.
func NewBalanceRepo(pool Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// AvailableBalance returns zero when the user holds no wallet in currency.
func (r *BalanceRepo) AvailableBalance(ctx context.Context, userID uuid.UUID, currency money.Currency) (money.Money, error) {
	w, err := r.GetWallet(ctx, userID, currency)
	if err != nil {
		return money.Money{}, err
	}
	if w == nil {
		return money.Zero(currency), nil
	}
	return w.Available, nil
}

// GetWallet fetches the user's wallet for currency (non-locking read).
func (r *BalanceRepo) GetWallet(ctx context.Context, userID uuid.UUID, currency money.Currency) (*domain.WalletBalance, error) {
	query := `SELECT user_id, network, address, available, updated_at
		FROM wallet_balances WHERE user_id = $1 AND currency = $2`

	var (
		w         domain.WalletBalance
		available decimal.Decimal
	)
	err := r.pool.QueryRow(ctx, query, userID, string(currency)).Scan(
		&w.UserID, &w.Network, &w.Address, &available, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet balance: %w", err)
	}
	if w.Available, err = money.New(available, currency); err != nil {
		return nil, fmt.Errorf("wallet balance for %s: %w", userID, err)
	}
	return &w, nil
}
