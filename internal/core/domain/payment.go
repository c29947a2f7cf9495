package domain

import (
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// PaymentRequest is a validated payment intent built by the API layer.
// It is consumed to produce a TransactionRecord and never persisted itself.
type PaymentRequest struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	MerchantID       *uuid.UUID
	Amount           money.Money
	FromAddress      string
	RecipientAddress string
	Network          Network
	Description      string
	Extension        TransactionExtension
	CreatedAt        time.Time
}

// ExtensionSchemaVersion is the current TransactionExtension layout.
const ExtensionSchemaVersion = 1

// TransactionExtension carries typed client metadata alongside a record.
type TransactionExtension struct {
	SchemaVersion   int               `json:"schema_version"`
	Channel         string            `json:"channel,omitempty"`
	ClientReference string            `json:"client_reference,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Normalize stamps the schema version on an extension built by older callers.
func (e TransactionExtension) Normalize() TransactionExtension {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = ExtensionSchemaVersion
	}
	return e
}
