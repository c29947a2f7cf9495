package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, payment_request_id, user_id, merchant_id, idempotency_key, network, currency,
		amount, fees_paid, from_address, to_address, description, status, blockchain_hash, block_number,
		confirmations, required_confirmations, retry_count, max_retries, error_code, error_message,
		settlement_id, extension, version, created_at, updated_at, submitted_at, processed_at,
		confirmed_at, completed_at, expires_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Save inserts a new record. settlement_id is always written as NULL.
func (r *TransactionRepo) Save(ctx context.Context, rec *domain.TransactionRecord) error {
	extension, err := json.Marshal(rec.Extension)
	if err != nil {
		return fmt.Errorf("encode transaction extension: %w", err)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, NULL, $22, $23, $24, $25, $26, $27, $28, $29, $30)`

	_, err = r.pool.Exec(ctx, query,
		rec.ID, rec.PaymentRequestID, rec.UserID, rec.MerchantID, rec.IdempotencyKey, rec.Network,
		string(rec.Amount.Currency()), rec.Amount.Amount(), rec.FeesPaid.Amount(),
		rec.FromAddress, rec.ToAddress, rec.Description, rec.Status, rec.BlockchainHash, blockNumberArg(rec.BlockNumber),
		rec.Confirmations, rec.RequiredConfirmations, rec.RetryCount, rec.MaxRetries, rec.ErrorCode, rec.ErrorMessage,
		extension, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.SubmittedAt, rec.ProcessedAt,
		rec.ConfirmedAt, rec.CompletedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindByID fetches a record by UUID.
func (r *TransactionRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	rec, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return rec, nil
}

// Update writes the mutable columns when the stored version matches.
// The stored settlement_id is left alone and copied back into rec.
func (r *TransactionRepo) Update(ctx context.Context, rec *domain.TransactionRecord, expectedVersion int64) error {
	query := `UPDATE transactions SET status = $1, blockchain_hash = $2, block_number = $3, confirmations = $4,
		retry_count = $5, error_code = $6, error_message = $7, version = $8, updated_at = $9,
		submitted_at = $10, processed_at = $11, confirmed_at = $12, completed_at = $13, expires_at = $14
		WHERE id = $15 AND version = $16
		RETURNING settlement_id`

	var settlementID *uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		rec.Status, rec.BlockchainHash, blockNumberArg(rec.BlockNumber), rec.Confirmations,
		rec.RetryCount, rec.ErrorCode, rec.ErrorMessage, rec.Version, rec.UpdatedAt,
		rec.SubmittedAt, rec.ProcessedAt, rec.ConfirmedAt, rec.CompletedAt, rec.ExpiresAt,
		rec.ID, expectedVersion,
	).Scan(&settlementID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", rec.ID, ports.ErrVersionConflict)
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	rec.SettlementID = settlementID
	return nil
}

// FindUnassignedConfirmed lists every settlement-eligible record of the
// merchant, whenever it was confirmed.
func (r *TransactionRepo) FindUnassignedConfirmed(ctx context.Context, merchantID uuid.UUID) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE merchant_id = $1 AND settlement_id IS NULL AND status IN ('CONFIRMED', 'COMPLETED')
		ORDER BY created_at, id`

	return r.list(ctx, "find unassigned transactions", query, merchantID)
}

// FindAwaitingConfirmation lists submitted records the chain has not finalized.
func (r *TransactionRepo) FindAwaitingConfirmation(ctx context.Context, limit int) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE blockchain_hash <> '' AND status IN ('PROCESSING', 'CONFIRMING')
		ORDER BY created_at, id LIMIT $1`

	return r.list(ctx, "find awaiting confirmation", query, limitArg(limit))
}

func (r *TransactionRepo) FindByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = $1 ORDER BY created_at, id LIMIT $2`

	return r.list(ctx, "find transactions by status", query, status, limitArg(limit))
}

// FindExpirable lists unsubmitted PENDING and unconfirmed PROCESSING records
// whose deadline passed.
func (r *TransactionRepo) FindExpirable(ctx context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE ((status = 'PENDING' AND submitted_at IS NULL) OR (status = 'PROCESSING' AND confirmations = 0))
		AND expires_at < $1
		ORDER BY created_at, id LIMIT $2`

	return r.list(ctx, "find expirable transactions", query, now, limitArg(limit))
}

func (r *TransactionRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.TransactionRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		rec          domain.TransactionRecord
		currency     string
		amount, fees decimal.Decimal
		blockNumber  *int64
		extension    []byte
	)
	err := row.Scan(
		&rec.ID, &rec.PaymentRequestID, &rec.UserID, &rec.MerchantID, &rec.IdempotencyKey, &rec.Network, &currency,
		&amount, &fees, &rec.FromAddress, &rec.ToAddress, &rec.Description, &rec.Status, &rec.BlockchainHash, &blockNumber,
		&rec.Confirmations, &rec.RequiredConfirmations, &rec.RetryCount, &rec.MaxRetries, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.SettlementID, &extension, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.SubmittedAt, &rec.ProcessedAt,
		&rec.ConfirmedAt, &rec.CompletedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.Amount, err = money.New(amount, money.Currency(currency)); err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", rec.ID, err)
	}
	if rec.FeesPaid, err = money.New(fees, money.Currency(currency)); err != nil {
		return nil, fmt.Errorf("transaction %s fee: %w", rec.ID, err)
	}
	if blockNumber != nil {
		n := uint64(*blockNumber)
		rec.BlockNumber = &n
	}
	if len(extension) > 0 {
		if err := json.Unmarshal(extension, &rec.Extension); err != nil {
			return nil, fmt.Errorf("transaction %s extension: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func blockNumberArg(n *uint64) *int64 {
	if n == nil {
		return nil
	}
	v := int64(*n)
	return &v
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
