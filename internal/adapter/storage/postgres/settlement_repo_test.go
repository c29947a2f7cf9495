package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettlement() *domain.Settlement {
	id := uuid.New()
	return &domain.Settlement{
		ID:              id,
		MerchantID:      uuid.New(),
		ReferenceNumber: domain.SettlementReference(id, repoNow),
		GrossAmount:     money.MustParse("10000", money.KES),
		Fee:             money.MustParse("50", money.KES),
		NetAmount:       money.MustParse("9950", money.KES),
		Method:          domain.SettlementMethodMpesa,
		Destination:     domain.SettlementDestination{MpesaPhone: "254712345678"},
		Status:          domain.SettlementStatusPending,
		TransactionIDs:  []uuid.UUID{uuid.New(), uuid.New()},
		MaxRetries:      3,
		PeriodStart:     repoNow.Add(-24 * time.Hour),
		PeriodEnd:       repoNow,
		Version:         1,
		CreatedAt:       repoNow,
		UpdatedAt:       repoNow,
	}
}

func settlementColumnNames() []string {
	return []string{"id", "merchant_id", "reference_number", "currency", "gross_amount_kes", "settlement_fee", "net_amount_kes",
		"settlement_method", "destination", "status", "transaction_ids", "retry_count", "max_retries", "next_retry_at",
		"external_reference", "error_code", "error_message", "period_start", "period_end", "version",
		"created_at", "updated_at", "processed_at", "completed_at"}
}

func settlementRow(t *testing.T, rows *pgxmock.Rows, s *domain.Settlement) *pgxmock.Rows {
	t.Helper()
	destination, err := json.Marshal(s.Destination)
	require.NoError(t, err)
	txIDs, err := json.Marshal(s.TransactionIDs)
	require.NoError(t, err)
	return rows.AddRow(
		s.ID, s.MerchantID, s.ReferenceNumber, string(s.GrossAmount.Currency()),
		s.GrossAmount.Amount(), s.Fee.Amount(), s.NetAmount.Amount(),
		s.Method, destination, s.Status, txIDs, s.RetryCount, s.MaxRetries, s.NextRetryAt,
		s.ExternalReference, s.ErrorCode, s.ErrorMessage, s.PeriodStart, s.PeriodEnd, s.Version,
		s.CreatedAt, s.UpdatedAt, s.ProcessedAt, s.CompletedAt,
	)
}

func TestSettlementRepo_CreateWithTransactions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").
		WithArgs(append([]any{s.ID, s.MerchantID, s.ReferenceNumber, "KES"}, anyArgs(20)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO settlement_transactions").
		WithArgs(s.ID, s.TransactionIDs).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("UPDATE transactions SET settlement_id").
		WithArgs(s.ID, s.TransactionIDs).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	assert.NoError(t, repo.CreateWithTransactions(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_CreateWithTransactions_AssignmentConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").
		WithArgs(anyArgs(24)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO settlement_transactions").
		WithArgs(s.ID, s.TransactionIDs).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	// One of the two transactions no longer exists or was already claimed.
	mock.ExpectExec("UPDATE transactions SET settlement_id").
		WithArgs(s.ID, s.TransactionIDs).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	err = repo.CreateWithTransactions(context.Background(), s)
	assert.ErrorIs(t, err, ports.ErrAssignmentConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_CreateWithTransactions_MembershipTaken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlements").
		WithArgs(anyArgs(24)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO settlement_transactions").
		WithArgs(s.ID, s.TransactionIDs).
		WillReturnError(&pgconn.PgError{Code: "23505", Detail: "Key (transaction_id) already exists."})
	mock.ExpectRollback()

	err = repo.CreateWithTransactions(context.Background(), s)
	assert.ErrorIs(t, err, ports.ErrAssignmentConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_CancelWithTransactions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()
	s.Status = domain.SettlementStatusCancelled
	s.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settlements SET status").
		WithArgs(append(append([]any{s.Status}, anyArgs(9)...), s.ID, int64(1))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM settlement_transactions WHERE settlement_id").
		WithArgs(s.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("UPDATE transactions SET settlement_id = NULL").
		WithArgs(s.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	require.NoError(t, repo.CancelWithTransactions(context.Background(), s, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_CancelWithTransactions_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()
	s.Status = domain.SettlementStatusCancelled
	s.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settlements SET status").
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.CancelWithTransactions(context.Background(), s, 1)
	assert.ErrorIs(t, err, ports.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_FindByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	s := newTestSettlement()
	s.Status = domain.SettlementStatusFailed
	s.RetryCount = 1
	next := repoNow.Add(5 * time.Minute)
	s.NextRetryAt = &next

	mock.ExpectQuery("SELECT .+ FROM settlements WHERE id").
		WithArgs(s.ID).
		WillReturnRows(settlementRow(t, pgxmock.NewRows(settlementColumnNames()), s))

	got, err := repo.FindByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "9950.00", got.NetAmount.String())
	assert.Equal(t, money.KES, got.Fee.Currency())
	assert.Equal(t, "254712345678", got.Destination.MpesaPhone)
	assert.Equal(t, s.TransactionIDs, got.TransactionIDs)
	assert.True(t, got.RetryDue(next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_FindByExternalReference_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM settlements WHERE settlement_method").
		WithArgs(domain.SettlementMethodBankTransfer, "BNK-42").
		WillReturnRows(pgxmock.NewRows(settlementColumnNames()))

	got, err := repo.FindByExternalReference(context.Background(), domain.SettlementMethodBankTransfer, "BNK-42")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_Update(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "version matches", affected: 1},
		{name: "version moved on", affected: 0, wantErr: ports.ErrVersionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			repo := NewSettlementRepo(mock)
			s := newTestSettlement()
			s.Status = domain.SettlementStatusProcessing
			s.Version = 2

			mock.ExpectExec("UPDATE settlements SET status").
				WithArgs(append(append([]any{s.Status}, anyArgs(9)...), s.ID, int64(1))...).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			err = repo.Update(context.Background(), s, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSettlementRepo_FindDispatchable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	pending := newTestSettlement()
	failed := newTestSettlement()
	failed.Status = domain.SettlementStatusFailed
	failed.RetryCount = 1
	due := repoNow.Add(-time.Minute)
	failed.NextRetryAt = &due

	rows := pgxmock.NewRows(settlementColumnNames())
	settlementRow(t, rows, pending)
	settlementRow(t, rows, failed)
	limit := 25
	mock.ExpectQuery("SELECT .+ FROM settlements WHERE status = 'PENDING'").
		WithArgs(repoNow, &limit).
		WillReturnRows(rows)

	got, err := repo.FindDispatchable(context.Background(), repoNow, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, pending.ID, got[0].ID)
	assert.Equal(t, domain.SettlementStatusFailed, got[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepo_FindStaleProcessing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSettlementRepo(mock)
	stuck := newTestSettlement()
	stuck.Status = domain.SettlementStatusProcessing
	stuck.UpdatedAt = repoNow.Add(-2 * time.Hour)
	cutoff := repoNow.Add(-time.Hour)
	limit := 10

	mock.ExpectQuery("SELECT .+ FROM settlements WHERE status = 'PROCESSING' AND updated_at").
		WithArgs(cutoff, &limit).
		WillReturnRows(settlementRow(t, pgxmock.NewRows(settlementColumnNames()), stuck))

	got, err := repo.FindStaleProcessing(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stuck.ID, got[0].ID)
	assert.Equal(t, stuck.TransactionIDs, got[0].TransactionIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
