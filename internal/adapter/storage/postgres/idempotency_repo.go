package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// reserveAttempts bounds the loop when a live record is released between the
// insert and the follow-up read.
const reserveAttempts = 3

// IdempotencyRepo implements ports.IdempotencyStore.
type IdempotencyRepo struct {
	pool Pool
	now  func() time.Time
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool, now: time.Now}
}

// Reserve inserts rec unless a live record holds the key. An expired record is
// overwritten in the same statement.
func (r *IdempotencyRepo) Reserve(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	query := `INSERT INTO idempotency_keys (key, result_transaction_id, request_fingerprint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET result_transaction_id = EXCLUDED.result_transaction_id,
			request_fingerprint = EXCLUDED.request_fingerprint,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key`

	for range reserveAttempts {
		var key string
		err := r.pool.QueryRow(ctx, query,
			rec.Key, rec.ResultTransactionID, rec.RequestFingerprint, rec.CreatedAt, rec.ExpiresAt,
		).Scan(&key)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
		}

		existing, err := r.Get(ctx, rec.Key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("reserve idempotency key %q: record changed concurrently", rec.Key)
}

// Get fetches a live record by key.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, result_transaction_id, request_fingerprint, created_at, expires_at
		FROM idempotency_keys WHERE key = $1 AND expires_at > $2`

	rec := &domain.IdempotencyRecord{}
	err := r.pool.QueryRow(ctx, query, key, r.now()).Scan(
		&rec.Key, &rec.ResultTransactionID, &rec.RequestFingerprint, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

// Release deletes the reservation if it still points at transactionID.
func (r *IdempotencyRepo) Release(ctx context.Context, key string, transactionID uuid.UUID) error {
	query := `DELETE FROM idempotency_keys WHERE key = $1 AND result_transaction_id = $2`

	if _, err := r.pool.Exec(ctx, query, key, transactionID); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past their expiry and returns how many went.
func (r *IdempotencyRepo) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
