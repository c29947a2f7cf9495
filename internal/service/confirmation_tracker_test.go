package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"qpesapay/internal/adapter/storage/memory"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/internal/core/ports/mocks"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func setupTracker(t *testing.T) (*ConfirmationTracker, *memory.Store, *mocks.MockConfirmationSource) {
	ctrl := gomock.NewController(t)
	store := memory.NewStore()
	source := mocks.NewMockConfirmationSource(ctrl)
	tracker := NewConfirmationTracker(store.Transactions(), source, NewAuditService(store.Audit(), zerolog.Nop()), TrackerConfig{}, zerolog.Nop())
	tracker.now = func() time.Time { return testNow }
	return tracker, store, source
}

func seedTx(t *testing.T, store *memory.Store, status domain.TransactionStatus, hash string, confirmations int64) domain.TransactionRecord {
	t.Helper()
	merchantID := uuid.New()
	submittedAt := testNow.Add(-10 * time.Minute)
	rec := domain.TransactionRecord{
		ID:                    uuid.New(),
		UserID:                uuid.New(),
		MerchantID:            &merchantID,
		Network:               domain.NetworkEthereum,
		Amount:                money.MustParse("25", money.USDT),
		FeesPaid:              money.MustParse("0.5", money.USDT),
		Status:                status,
		BlockchainHash:        hash,
		Confirmations:         confirmations,
		RequiredConfirmations: 3,
		MaxRetries:            3,
		Version:               3,
		CreatedAt:             testNow.Add(-15 * time.Minute),
		SubmittedAt:           &submittedAt,
		ExpiresAt:             testNow.Add(45 * time.Minute),
	}
	require.NoError(t, store.Transactions().Save(context.Background(), &rec))
	return rec
}

func reload(t *testing.T, store *memory.Store, id uuid.UUID) domain.TransactionRecord {
	t.Helper()
	rec, err := store.Transactions().FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func TestConfirmationTracker_PollAdvancesToConfirming(t *testing.T) {
	tracker, store, source := setupTracker(t)
	rec := seedTx(t, store, domain.TransactionStatusProcessing, "0xaaa", 0)
	block := uint64(19_000_000)
	source.EXPECT().Confirmations(gomock.Any(), "0xaaa", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{Confirmations: 1, BlockNumber: &block}, nil)

	stats, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollStats{Checked: 1, Advanced: 1}, stats)

	got := reload(t, store, rec.ID)
	assert.Equal(t, domain.TransactionStatusConfirming, got.Status)
	assert.Equal(t, int64(1), got.Confirmations)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, block, *got.BlockNumber)
}

func TestConfirmationTracker_PollConfirmsAndCompletes(t *testing.T) {
	tracker, store, source := setupTracker(t)
	rec := seedTx(t, store, domain.TransactionStatusConfirming, "0xbbb", 2)
	source.EXPECT().Confirmations(gomock.Any(), "0xbbb", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{Confirmations: 3}, nil)

	stats, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 1, stats.Completed)

	got := reload(t, store, rec.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, testNow, *got.CompletedAt)

	events := store.Audit().Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPaymentCompleted, events[0].Type)
}

func TestConfirmationTracker_PollIgnoresLowerCounts(t *testing.T) {
	tracker, store, source := setupTracker(t)
	rec := seedTx(t, store, domain.TransactionStatusConfirming, "0xccc", 2)
	source.EXPECT().Confirmations(gomock.Any(), "0xccc", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{Confirmations: 1}, nil)

	stats, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollStats{Checked: 1}, stats)
	assert.Equal(t, rec.Version, reload(t, store, rec.ID).Version)
}

func TestConfirmationTracker_PollFailsRevertedTransfers(t *testing.T) {
	tracker, store, source := setupTracker(t)
	rec := seedTx(t, store, domain.TransactionStatusProcessing, "0xddd", 0)
	source.EXPECT().Confirmations(gomock.Any(), "0xddd", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{Reverted: true}, nil)

	stats, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got := reload(t, store, rec.ID)
	assert.Equal(t, domain.TransactionStatusFailed, got.Status)
	assert.Equal(t, "CHAIN_REVERTED", got.ErrorCode)
}

func TestConfirmationTracker_PollCountsLookupErrors(t *testing.T) {
	tracker, store, source := setupTracker(t)
	ok := seedTx(t, store, domain.TransactionStatusProcessing, "0x111", 0)
	broken := seedTx(t, store, domain.TransactionStatusProcessing, "0x222", 0)
	// Not yet submitted to chain; never polled.
	seedTx(t, store, domain.TransactionStatusPending, "", 0)

	source.EXPECT().Confirmations(gomock.Any(), "0x111", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{Confirmations: 1}, nil)
	source.EXPECT().Confirmations(gomock.Any(), "0x222", domain.NetworkEthereum).
		Return(ports.ConfirmationInfo{}, errors.New("rpc timeout"))

	stats, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, 1, stats.Advanced)
	assert.Equal(t, 1, stats.Errors)

	assert.Equal(t, domain.TransactionStatusConfirming, reload(t, store, ok.ID).Status)
	assert.Equal(t, domain.TransactionStatusProcessing, reload(t, store, broken.ID).Status)
}

func TestConfirmationTracker_ExpireStale(t *testing.T) {
	tracker, store, _ := setupTracker(t)
	ctx := context.Background()

	pending := seedTx(t, store, domain.TransactionStatusPending, "", 0)
	stuck := seedTx(t, store, domain.TransactionStatusProcessing, "0xeee", 0)
	fresh := seedTx(t, store, domain.TransactionStatusPending, "", 0)
	// Handed to the executor; only the hash failed to persist.
	submitted := seedTx(t, store, domain.TransactionStatusPending, "", 0)

	for _, id := range []uuid.UUID{pending.ID, stuck.ID, submitted.ID} {
		rec := reload(t, store, id)
		next := rec
		next.ExpiresAt = testNow.Add(-time.Minute)
		if id == pending.ID {
			next.SubmittedAt = nil
		}
		next.Version++
		require.NoError(t, store.Transactions().Update(ctx, &next, rec.Version))
	}

	expired, err := tracker.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	assert.Equal(t, domain.TransactionStatusExpired, reload(t, store, pending.ID).Status)
	assert.Equal(t, domain.TransactionStatusExpired, reload(t, store, stuck.ID).Status)
	assert.Equal(t, domain.TransactionStatusPending, reload(t, store, fresh.ID).Status)
	assert.Equal(t, domain.TransactionStatusPending, reload(t, store, submitted.ID).Status)

	events := store.Audit().Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, domain.EventPaymentExpired, ev.Type)
	}
}
