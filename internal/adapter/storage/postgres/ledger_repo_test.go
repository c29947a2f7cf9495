package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceRepo_AvailableBalance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBalanceRepo(mock)
	userID := uuid.New()
	cols := []string{"user_id", "network", "address", "available", "updated_at"}

	mock.ExpectQuery("SELECT .+ FROM wallet_balances WHERE user_id").
		WithArgs(userID, "USDT").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			userID, domain.NetworkTron, "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8", decimal.RequireFromString("250.5"), repoNow,
		))
	mock.ExpectQuery("SELECT .+ FROM wallet_balances WHERE user_id").
		WithArgs(userID, "BTC").
		WillReturnRows(pgxmock.NewRows(cols))

	got, err := repo.AvailableBalance(context.Background(), userID, money.USDT)
	require.NoError(t, err)
	assert.Equal(t, "250.500000", got.String())

	got, err = repo.AvailableBalance(context.Background(), userID, money.BTC)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.Equal(t, money.BTC, got.Currency())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAuditRepo(mock)
	txID, userID := uuid.New(), uuid.New()
	ev := domain.Event{
		ID:            uuid.New(),
		Type:          domain.EventPaymentCompleted,
		TransactionID: &txID,
		UserID:        &userID,
		Amount:        "25.000000",
		Currency:      money.USDT,
		Timestamp:     repoNow,
		Attributes:    map[string]string{"hash": "0xabc"},
	}
	attrs, err := json.Marshal(ev.Attributes)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(ev.ID, "payment_completed", ev.TransactionID, ev.SettlementID, ev.UserID, ev.MerchantID,
			"25.000000", "USDT", attrs, repoNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Save(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}
