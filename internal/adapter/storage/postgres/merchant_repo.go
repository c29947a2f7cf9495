package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const merchantColumns = `id, business_name, status, settlement_method, settlement_currency,
		settlement_fee_percentage, minimum_settlement_amount, auto_settlement_enabled, mpesa_phone,
		bank_details, wallet_details, last_settled_at, webhook_url, webhook_secret_enc, created_at, updated_at`

// MerchantRepo implements ports.MerchantRepository. Merchant accounts are
// provisioned elsewhere; this repository reads their settlement profile.
type MerchantRepo struct {
	pool Pool
}

// NewMerchantRepo creates a new MerchantRepo.
func NewMerchantRepo(pool Pool) *MerchantRepo {
	return &MerchantRepo{pool: pool}
}

// GetSettlementProfile fetches a merchant by its UUID.
func (r *MerchantRepo) GetSettlementProfile(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants WHERE id = $1`

	m, err := scanMerchant(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merchant by id: %w", err)
	}
	return m, nil
}

// ListAutoSettlement lists active merchants that opted into scheduled payouts.
func (r *MerchantRepo) ListAutoSettlement(ctx context.Context) ([]domain.Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants
		WHERE auto_settlement_enabled AND status = 'ACTIVE' ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list auto-settlement merchants: %w", err)
	}
	defer rows.Close()

	var merchants []domain.Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merchant: %w", err)
		}
		merchants = append(merchants, *m)
	}
	return merchants, rows.Err()
}

// MarkSettled records the end of the last settled period.
func (r *MerchantRepo) MarkSettled(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE merchants SET last_settled_at = $1, updated_at = NOW() WHERE id = $2`

	if _, err := r.pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark merchant settled: %w", err)
	}
	return nil
}

func scanMerchant(row pgx.Row) (*domain.Merchant, error) {
	var (
		m            domain.Merchant
		currency     string
		minimum      decimal.Decimal
		mpesaPhone   *string
		bank, wallet []byte
	)
	err := row.Scan(
		&m.ID, &m.BusinessName, &m.Status, &m.SettlementMethod, &currency,
		&m.SettlementFeePercentage, &minimum, &m.AutoSettlementEnabled, &mpesaPhone,
		&bank, &wallet, &m.LastSettledAt, &m.WebhookURL, &m.WebhookSecretEnc, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.SettlementCurrency = money.Currency(currency)
	if m.MinimumSettlement, err = money.New(minimum, m.SettlementCurrency); err != nil {
		return nil, fmt.Errorf("merchant %s minimum settlement: %w", m.ID, err)
	}
	if mpesaPhone != nil {
		m.MpesaPhone = *mpesaPhone
	}
	if len(bank) > 0 {
		m.Bank = &domain.BankAccount{}
		if err := json.Unmarshal(bank, m.Bank); err != nil {
			return nil, fmt.Errorf("merchant %s bank details: %w", m.ID, err)
		}
	}
	if len(wallet) > 0 {
		m.Wallet = &domain.WalletDestination{}
		if err := json.Unmarshal(wallet, m.Wallet); err != nil {
			return nil, fmt.Errorf("merchant %s wallet details: %w", m.ID, err)
		}
	}
	return &m, nil
}
