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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const settlementColumns = `id, merchant_id, reference_number, currency, gross_amount_kes, settlement_fee, net_amount_kes,
		settlement_method, destination, status, transaction_ids, retry_count, max_retries, next_retry_at,
		external_reference, error_code, error_message, period_start, period_end, version,
		created_at, updated_at, processed_at, completed_at`

const updateSettlementSQL = `UPDATE settlements SET status = $1, retry_count = $2, next_retry_at = $3, external_reference = $4,
		error_code = $5, error_message = $6, version = $7, updated_at = $8, processed_at = $9, completed_at = $10
		WHERE id = $11 AND version = $12`

const pgUniqueViolation = "23505"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SettlementRepo implements ports.SettlementRepository.
type SettlementRepo struct {
	pool Pool
	tx   *Transactor
}

// NewSettlementRepo creates a new SettlementRepo.
func NewSettlementRepo(pool Pool) *SettlementRepo {
	return &SettlementRepo{pool: pool, tx: NewTransactor(pool)}
}

// CreateWithTransactions inserts s, records its membership rows and claims its
// transactions in one database transaction. The settlement_transactions
// primary key rejects a transaction that already belongs to a live
// settlement; any conflict rolls the whole write back.
func (r *SettlementRepo) CreateWithTransactions(ctx context.Context, s *domain.Settlement) error {
	destination, err := json.Marshal(s.Destination)
	if err != nil {
		return fmt.Errorf("encode settlement destination: %w", err)
	}
	txIDs, err := json.Marshal(s.TransactionIDs)
	if err != nil {
		return fmt.Errorf("encode settlement transaction ids: %w", err)
	}

	insert := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24)`
	members := `INSERT INTO settlement_transactions (transaction_id, settlement_id, position)
		SELECT t.id, $1, t.position FROM unnest($2::uuid[]) WITH ORDINALITY AS t(id, position)`
	assign := `UPDATE transactions SET settlement_id = $1 WHERE id = ANY($2) AND settlement_id IS NULL`

	return r.tx.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insert,
			s.ID, s.MerchantID, s.ReferenceNumber, string(s.GrossAmount.Currency()),
			s.GrossAmount.Amount(), s.Fee.Amount(), s.NetAmount.Amount(),
			s.Method, destination, s.Status, txIDs, s.RetryCount, s.MaxRetries, s.NextRetryAt,
			s.ExternalReference, s.ErrorCode, s.ErrorMessage, s.PeriodStart, s.PeriodEnd, s.Version,
			s.CreatedAt, s.UpdatedAt, s.ProcessedAt, s.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}

		if _, err := tx.Exec(ctx, members, s.ID, s.TransactionIDs); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: %s", ports.ErrAssignmentConflict, pgErr.Detail)
			}
			return fmt.Errorf("insert settlement membership: %w", err)
		}

		tag, err := tx.Exec(ctx, assign, s.ID, s.TransactionIDs)
		if err != nil {
			return fmt.Errorf("assign settlement transactions: %w", err)
		}
		if tag.RowsAffected() != int64(len(s.TransactionIDs)) {
			return fmt.Errorf("%w: claimed %d of %d transactions", ports.ErrAssignmentConflict,
				tag.RowsAffected(), len(s.TransactionIDs))
		}
		return nil
	})
}

// FindByID fetches a settlement by UUID.
func (r *SettlementRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	return r.findOne(ctx, "get settlement by id", query, id)
}

// FindByExternalReference matches the channel reference or our own reference number.
func (r *SettlementRepo) FindByExternalReference(ctx context.Context, method domain.SettlementMethod, ref string) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE settlement_method = $1 AND (external_reference = $2 OR reference_number = $2)
		ORDER BY created_at DESC LIMIT 1`
	return r.findOne(ctx, "get settlement by reference", query, method, ref)
}

// Update writes the dispatch columns when the stored version matches. The
// amounts and transaction set are fixed at creation and never rewritten.
func (r *SettlementRepo) Update(ctx context.Context, s *domain.Settlement, expectedVersion int64) error {
	return updateSettlement(ctx, r.pool, s, expectedVersion)
}

// CancelWithTransactions writes s and releases its transactions: the
// membership rows go and settlement_id is cleared, so a later build can
// pick the same transactions up again.
func (r *SettlementRepo) CancelWithTransactions(ctx context.Context, s *domain.Settlement, expectedVersion int64) error {
	return r.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := updateSettlement(ctx, tx, s, expectedVersion); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_transactions WHERE settlement_id = $1`, s.ID); err != nil {
			return fmt.Errorf("delete settlement membership: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE transactions SET settlement_id = NULL WHERE settlement_id = $1`, s.ID); err != nil {
			return fmt.Errorf("release settlement transactions: %w", err)
		}
		return nil
	})
}

func updateSettlement(ctx context.Context, db execer, s *domain.Settlement, expectedVersion int64) error {
	tag, err := db.Exec(ctx, updateSettlementSQL,
		s.Status, s.RetryCount, s.NextRetryAt, s.ExternalReference,
		s.ErrorCode, s.ErrorMessage, s.Version, s.UpdatedAt, s.ProcessedAt, s.CompletedAt,
		s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s: %w", s.ID, ports.ErrVersionConflict)
	}
	return nil
}

// FindStaleProcessing returns settlements claimed or accepted before claimedBefore
// that never reached a final state.
func (r *SettlementRepo) FindStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`
	return r.list(ctx, "find stale settlements", query, claimedBefore, limitArg(limit))
}

// FindDispatchable returns PENDING settlements and FAILED ones whose retry is due, oldest first.
func (r *SettlementRepo) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE status = 'PENDING'
		OR (status = 'FAILED' AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
		ORDER BY created_at LIMIT $2`
	return r.list(ctx, "find dispatchable settlements", query, now, limitArg(limit))
}

func (r *SettlementRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (r *SettlementRepo) findOne(ctx context.Context, op, query string, args ...any) (*domain.Settlement, error) {
	s, err := scanSettlement(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var (
		s               domain.Settlement
		currency        string
		gross, fee, net decimal.Decimal
		destination     []byte
		txIDs           []byte
	)
	err := row.Scan(
		&s.ID, &s.MerchantID, &s.ReferenceNumber, &currency, &gross, &fee, &net,
		&s.Method, &destination, &s.Status, &txIDs, &s.RetryCount, &s.MaxRetries, &s.NextRetryAt,
		&s.ExternalReference, &s.ErrorCode, &s.ErrorMessage, &s.PeriodStart, &s.PeriodEnd, &s.Version,
		&s.CreatedAt, &s.UpdatedAt, &s.ProcessedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	c := money.Currency(currency)
	if s.GrossAmount, err = money.New(gross, c); err != nil {
		return nil, fmt.Errorf("settlement %s gross: %w", s.ID, err)
	}
	if s.Fee, err = money.New(fee, c); err != nil {
		return nil, fmt.Errorf("settlement %s fee: %w", s.ID, err)
	}
	if s.NetAmount, err = money.New(net, c); err != nil {
		return nil, fmt.Errorf("settlement %s net: %w", s.ID, err)
	}
	if err := json.Unmarshal(txIDs, &s.TransactionIDs); err != nil {
		return nil, fmt.Errorf("settlement %s transaction ids: %w", s.ID, err)
	}
	if len(destination) > 0 {
		if err := json.Unmarshal(destination, &s.Destination); err != nil {
			return nil, fmt.Errorf("settlement %s destination: %w", s.ID, err)
		}
	}
	return &s, nil
}
