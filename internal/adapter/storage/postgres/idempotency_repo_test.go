package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"qpesapay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idempotencyColumns() []string {
	return []string{"key", "result_transaction_id", "request_fingerprint", "created_at", "expires_at"}
}

func newTestReservation() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:                 "user-id:ORDER-001",
		ResultTransactionID: uuid.New(),
		RequestFingerprint:  "3b1f0c",
		CreatedAt:           repoNow,
		ExpiresAt:           repoNow.Add(24 * time.Hour),
	}
}

func newTestIdempotencyRepo(t *testing.T) (*IdempotencyRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := NewIdempotencyRepo(mock)
	repo.now = func() time.Time { return repoNow }
	return repo, mock
}

func expectReserve(mock pgxmock.PgxPoolIface, rec domain.IdempotencyRecord) *pgxmock.ExpectedQuery {
	return mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs(rec.Key, rec.ResultTransactionID, rec.RequestFingerprint, rec.CreatedAt, rec.ExpiresAt)
}

func TestIdempotencyRepo_Reserve_Fresh(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)
	rec := newTestReservation()

	expectReserve(mock, rec).WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow(rec.Key))

	existing, reserved, err := repo.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Reserve_ReturnsLiveRecord(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)
	rec := newTestReservation()
	winner := uuid.New()

	expectReserve(mock, rec).WillReturnRows(pgxmock.NewRows([]string{"key"}))
	mock.ExpectQuery("SELECT .+ FROM idempotency_keys WHERE key").
		WithArgs(rec.Key, repoNow).
		WillReturnRows(pgxmock.NewRows(idempotencyColumns()).
			AddRow(rec.Key, winner, "3b1f0c", repoNow.Add(-time.Minute), repoNow.Add(time.Hour)))

	existing, reserved, err := repo.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, winner, existing.ResultTransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Reserve_RetriesAfterConcurrentRelease(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)
	rec := newTestReservation()

	expectReserve(mock, rec).WillReturnRows(pgxmock.NewRows([]string{"key"}))
	mock.ExpectQuery("SELECT .+ FROM idempotency_keys WHERE key").
		WithArgs(rec.Key, repoNow).
		WillReturnRows(pgxmock.NewRows(idempotencyColumns()))
	expectReserve(mock, rec).WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow(rec.Key))

	_, reserved, err := repo.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Reserve_Error(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)
	rec := newTestReservation()

	expectReserve(mock, rec).WillReturnError(errors.New("connection reset"))

	_, reserved, err := repo.Reserve(context.Background(), rec)
	assert.False(t, reserved)
	assert.ErrorContains(t, err, "reserve idempotency key")
}

func TestIdempotencyRepo_Get_NotFound(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)

	mock.ExpectQuery("SELECT .+ FROM idempotency_keys WHERE key").
		WithArgs("nonexistent", repoNow).
		WillReturnRows(pgxmock.NewRows(idempotencyColumns()))

	got, err := repo.Get(context.Background(), "nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Release(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)
	txID := uuid.New()

	mock.ExpectExec("DELETE FROM idempotency_keys WHERE key").
		WithArgs("user-id:ORDER-001", txID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	assert.NoError(t, repo.Release(context.Background(), "user-id:ORDER-001", txID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_PurgeExpired(t *testing.T) {
	repo, mock := newTestIdempotencyRepo(t)

	mock.ExpectExec("DELETE FROM idempotency_keys WHERE expires_at").
		WithArgs(repoNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := repo.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
