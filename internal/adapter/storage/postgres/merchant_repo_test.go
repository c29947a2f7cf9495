package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func merchantColumnNames() []string {
	return []string{"id", "business_name", "status", "settlement_method", "settlement_currency",
		"settlement_fee_percentage", "minimum_settlement_amount", "auto_settlement_enabled", "mpesa_phone",
		"bank_details", "wallet_details", "last_settled_at", "webhook_url", "webhook_secret_enc", "created_at", "updated_at"}
}

func TestMerchantRepo_GetSettlementProfile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	id := uuid.New()
	phone := "254712345678"
	settled := repoNow.Add(-24 * time.Hour)
	bank, err := json.Marshal(domain.BankAccount{BankCode: "01", AccountNumber: "0011223344", AccountName: "Duka"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM merchants WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(merchantColumnNames()).AddRow(
			id, "Duka Ltd", domain.MerchantStatusActive, domain.SettlementMethodMpesa, "KES",
			decimal.RequireFromString("0.005"), decimal.NewFromInt(100), true, &phone,
			bank, []byte(nil), &settled, "https://duka.example.com/hook", "enc", repoNow, repoNow,
		))

	m, err := repo.GetSettlementProfile(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Duka Ltd", m.BusinessName)
	assert.True(t, m.IsActive())
	assert.Equal(t, money.KES, m.SettlementCurrency)
	assert.Equal(t, "100.00", m.MinimumSettlement.String())
	assert.Equal(t, phone, m.MpesaPhone)
	require.NotNil(t, m.Bank)
	assert.Equal(t, "0011223344", m.Bank.AccountNumber)
	assert.Nil(t, m.Wallet)
	assert.Equal(t, domain.SettlementDestination{MpesaPhone: phone}, m.Destination())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_GetSettlementProfile_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM merchants WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(merchantColumnNames()))

	m, err := repo.GetSettlementProfile(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestMerchantRepo_ListAutoSettlement(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	wallet, err := json.Marshal(domain.WalletDestination{Address: "TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9", Network: domain.NetworkTron})
	require.NoError(t, err)

	rows := pgxmock.NewRows(merchantColumnNames()).
		AddRow(uuid.New(), "A", domain.MerchantStatusActive, domain.SettlementMethodCryptoWallet, "USDT",
			decimal.Zero, decimal.NewFromInt(10), true, (*string)(nil),
			[]byte(nil), wallet, (*time.Time)(nil), "", "", repoNow, repoNow).
		AddRow(uuid.New(), "B", domain.MerchantStatusActive, domain.SettlementMethodMpesa, "KES",
			decimal.RequireFromString("0.01"), decimal.NewFromInt(100), true, (*string)(nil),
			[]byte(nil), []byte(nil), (*time.Time)(nil), "", "", repoNow, repoNow)
	mock.ExpectQuery("SELECT .+ FROM merchants WHERE auto_settlement_enabled").
		WillReturnRows(rows)

	merchants, err := repo.ListAutoSettlement(context.Background())
	require.NoError(t, err)
	require.Len(t, merchants, 2)
	require.NotNil(t, merchants[0].Wallet)
	assert.Equal(t, domain.NetworkTron, merchants[0].Wallet.Network)
	assert.Equal(t, "10.000000", merchants[0].MinimumSettlement.String())
	assert.Nil(t, merchants[1].LastSettledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_MarkSettled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE merchants SET last_settled_at").
		WithArgs(repoNow, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, repo.MarkSettled(context.Background(), id, repoNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}
