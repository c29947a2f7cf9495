package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"qpesapay/internal/core/domain"
)

// AuditRepo implements ports.AuditRepository.
type AuditRepo struct {
	pool Pool
}

// NewAuditRepo creates a PostgreSQL-backed audit store.
func NewAuditRepo(pool Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Save appends an event. Replays of the same event ID are ignored.
func (r *AuditRepo) Save(ctx context.Context, ev domain.Event) error {
	var attributes []byte
	if len(ev.Attributes) > 0 {
		var err error
		if attributes, err = json.Marshal(ev.Attributes); err != nil {
			return fmt.Errorf("encode audit attributes: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_events (id, event_type, transaction_id, settlement_id, user_id, merchant_id,
			amount, currency, attributes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.TransactionID, ev.SettlementID, ev.UserID, ev.MerchantID,
		ev.Amount, string(ev.Currency), attributes, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
