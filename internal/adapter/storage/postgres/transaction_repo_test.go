package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var repoNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecord() *domain.TransactionRecord {
	merchantID := uuid.New()
	return &domain.TransactionRecord{
		ID:                    uuid.New(),
		PaymentRequestID:      uuid.New(),
		UserID:                uuid.New(),
		MerchantID:            &merchantID,
		IdempotencyKey:        "user:order-1",
		Network:               domain.NetworkTron,
		Amount:                money.MustParse("100", money.USDT),
		FeesPaid:              money.MustParse("1", money.USDT),
		FromAddress:           "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8",
		ToAddress:             "TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9",
		Description:           "order 1",
		Status:                domain.TransactionStatusPending,
		RequiredConfirmations: 3,
		MaxRetries:            3,
		Extension:             domain.TransactionExtension{SchemaVersion: 1, Channel: "api"},
		Version:               1,
		CreatedAt:             repoNow,
		UpdatedAt:             repoNow,
		ExpiresAt:             repoNow.Add(time.Hour),
	}
}

func txColumns() []string {
	return []string{"id", "payment_request_id", "user_id", "merchant_id", "idempotency_key", "network", "currency",
		"amount", "fees_paid", "from_address", "to_address", "description", "status", "blockchain_hash", "block_number",
		"confirmations", "required_confirmations", "retry_count", "max_retries", "error_code", "error_message",
		"settlement_id", "extension", "version", "created_at", "updated_at", "submitted_at", "processed_at",
		"confirmed_at", "completed_at", "expires_at"}
}

func txRow(t *testing.T, rows *pgxmock.Rows, rec *domain.TransactionRecord) *pgxmock.Rows {
	t.Helper()
	extension, err := json.Marshal(rec.Extension)
	require.NoError(t, err)
	return rows.AddRow(
		rec.ID, rec.PaymentRequestID, rec.UserID, rec.MerchantID, rec.IdempotencyKey, rec.Network,
		string(rec.Amount.Currency()), rec.Amount.Amount(), rec.FeesPaid.Amount(),
		rec.FromAddress, rec.ToAddress, rec.Description, rec.Status, rec.BlockchainHash, blockNumberArg(rec.BlockNumber),
		rec.Confirmations, rec.RequiredConfirmations, rec.RetryCount, rec.MaxRetries, rec.ErrorCode, rec.ErrorMessage,
		rec.SettlementID, extension, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.SubmittedAt, rec.ProcessedAt,
		rec.ConfirmedAt, rec.CompletedAt, rec.ExpiresAt,
	)
}

func TestTransactionRepo_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	rec := newTestRecord()

	args := append([]any{
		rec.ID, rec.PaymentRequestID, rec.UserID, rec.MerchantID, rec.IdempotencyKey, rec.Network,
		"USDT", rec.Amount.Amount(), rec.FeesPaid.Amount(),
	}, anyArgs(21)...)
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_Save_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(anyArgs(30)...).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	err = repo.Save(context.Background(), newTestRecord())
	assert.ErrorContains(t, err, "insert transaction")
}

func TestTransactionRepo_FindByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	rec := newTestRecord()
	rec.Status = domain.TransactionStatusConfirming
	rec.BlockchainHash = "0xabc"
	block := uint64(19_000_000)
	rec.BlockNumber = &block
	settlementID := uuid.New()
	rec.SettlementID = &settlementID

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE id").
		WithArgs(rec.ID).
		WillReturnRows(txRow(t, pgxmock.NewRows(txColumns()), rec))

	got, err := repo.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "100.000000", got.Amount.String())
	assert.Equal(t, money.USDT, got.FeesPaid.Currency())
	assert.Equal(t, domain.TransactionStatusConfirming, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, block, *got.BlockNumber)
	assert.Equal(t, &settlementID, got.SettlementID)
	assert.Equal(t, "api", got.Extension.Channel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_FindByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(txColumns()))

	got, err := repo.FindByID(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	rec := newTestRecord()
	rec.Status = domain.TransactionStatusProcessing
	rec.Version = 2
	settlementID := uuid.New()

	args := append([]any{rec.Status}, anyArgs(13)...)
	args = append(args, rec.ID, int64(1))
	mock.ExpectQuery("UPDATE transactions SET status").
		WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"settlement_id"}).AddRow(&settlementID))

	require.NoError(t, repo.Update(context.Background(), rec, 1))
	assert.Equal(t, &settlementID, rec.SettlementID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_Update_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("UPDATE transactions SET status").
		WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"settlement_id"}))

	err = repo.Update(context.Background(), newTestRecord(), 1)
	assert.ErrorIs(t, err, ports.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_FindAwaitingConfirmation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	first, second := newTestRecord(), newTestRecord()
	first.Status, first.BlockchainHash = domain.TransactionStatusProcessing, "0x1"
	second.Status, second.BlockchainHash = domain.TransactionStatusConfirming, "0x2"

	rows := pgxmock.NewRows(txColumns())
	txRow(t, rows, first)
	txRow(t, rows, second)
	limit := 50
	mock.ExpectQuery("SELECT .+ FROM transactions WHERE blockchain_hash").
		WithArgs(&limit).
		WillReturnRows(rows)

	got, err := repo.FindAwaitingConfirmation(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x1", got[0].BlockchainHash)
	assert.Equal(t, domain.TransactionStatusConfirming, got[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_FindExpirable_NoLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE .+submitted_at IS NULL").
		WithArgs(repoNow, (*int)(nil)).
		WillReturnRows(pgxmock.NewRows(txColumns()))

	got, err := repo.FindExpirable(context.Background(), repoNow, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_FindUnassignedConfirmed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	rec := newTestRecord()
	rec.Status = domain.TransactionStatusCompleted

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE merchant_id .+ settlement_id IS NULL").
		WithArgs(*rec.MerchantID).
		WillReturnRows(txRow(t, pgxmock.NewRows(txColumns()), rec))

	got, err := repo.FindUnassignedConfirmed(context.Background(), *rec.MerchantID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Nil(t, got[0].SettlementID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_FindByStatus_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE status").
		WithArgs(anyArgs(2)...).
		WillReturnError(errors.New("connection reset"))

	_, err = repo.FindByStatus(context.Background(), domain.TransactionStatusPending, 10)
	assert.ErrorContains(t, err, "find transactions by status")
}
