package domain

import (
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
)

// WalletBalance is the spendable balance of a user's custodial wallet.
type WalletBalance struct {
	UserID    uuid.UUID   `json:"user_id"`
	Network   Network     `json:"network"`
	Address   string      `json:"address"`
	Available money.Money `json:"available"`
	UpdatedAt time.Time   `json:"updated_at"`
}
