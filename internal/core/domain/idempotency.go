package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord binds a client key to the transaction it produced.
// It is written once by an atomic reservation and never updated.
type IdempotencyRecord struct {
	Key                 string    `json:"key"`
	ResultTransactionID uuid.UUID `json:"result_transaction_id"`
	RequestFingerprint  string    `json:"request_fingerprint"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// BuildIdempotencyKey scopes a client-supplied key to its user.
func BuildIdempotencyKey(userID uuid.UUID, clientKey string) string {
	return userID.String() + ":" + clientKey
}
