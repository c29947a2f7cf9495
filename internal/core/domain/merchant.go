package domain

import (
	"time"

	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MerchantStatus represents the state of a merchant account.
type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "ACTIVE"
	MerchantStatusSuspended MerchantStatus = "SUSPENDED"
)

// BankAccount is a bank payout destination.
type BankAccount struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// WalletDestination is an on-chain payout destination.
type WalletDestination struct {
	Address string  `json:"address"`
	Network Network `json:"network"`
}

// SettlementDestination holds exactly the details the chosen method needs.
type SettlementDestination struct {
	MpesaPhone string             `json:"mpesa_phone,omitempty"`
	Bank       *BankAccount       `json:"bank,omitempty"`
	Wallet     *WalletDestination `json:"wallet,omitempty"`
}

// Merchant is the settlement profile of a merchant account.
// Accounts are managed elsewhere; the engine only reads them.
type Merchant struct {
	ID                      uuid.UUID          `json:"id"`
	BusinessName            string             `json:"business_name"`
	Status                  MerchantStatus     `json:"status"`
	SettlementMethod        SettlementMethod   `json:"settlement_method"`
	SettlementCurrency      money.Currency     `json:"settlement_currency"`
	SettlementFeePercentage decimal.Decimal    `json:"settlement_fee_percentage"`
	MinimumSettlement       money.Money        `json:"minimum_settlement_amount"`
	AutoSettlementEnabled   bool               `json:"auto_settlement_enabled"`
	MpesaPhone              string             `json:"mpesa_phone,omitempty"`
	Bank                    *BankAccount       `json:"bank,omitempty"`
	Wallet                  *WalletDestination `json:"wallet,omitempty"`
	LastSettledAt           *time.Time         `json:"last_settled_at,omitempty"`
	WebhookURL              string             `json:"webhook_url,omitempty"`
	WebhookSecretEnc        string             `json:"-"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// IsActive returns true if the merchant account is active.
func (m Merchant) IsActive() bool {
	return m.Status == MerchantStatusActive
}

// Destination picks the payout details for the configured method.
func (m Merchant) Destination() SettlementDestination {
	switch m.SettlementMethod {
	case SettlementMethodMpesa:
		return SettlementDestination{MpesaPhone: m.MpesaPhone}
	case SettlementMethodBankTransfer:
		return SettlementDestination{Bank: m.Bank}
	case SettlementMethodCryptoWallet:
		return SettlementDestination{Wallet: m.Wallet}
	}
	return SettlementDestination{}
}
