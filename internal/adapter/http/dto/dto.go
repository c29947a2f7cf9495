package dto

import "qpesapay/pkg/money"

// PaymentRequest is the request body for POST /api/v1/payments.
type PaymentRequest struct {
	Amount           string            `json:"amount" binding:"required,decimal_amount"`
	Currency         string            `json:"currency" binding:"required,currency"`
	FromAddress      string            `json:"from_address" binding:"required,max=128"`
	RecipientAddress string            `json:"recipient_address" binding:"required,max=128"`
	Network          string            `json:"network" binding:"required,network"`
	Description      string            `json:"description,omitempty"`
	MerchantID       *string           `json:"merchant_id,omitempty" binding:"omitempty,uuid"`
	Channel          string            `json:"channel,omitempty" binding:"omitempty,max=32,safe_id"`
	ClientReference  string            `json:"client_reference,omitempty" binding:"omitempty,max=100,safe_id"`
	Tags             map[string]string `json:"tags,omitempty" binding:"omitempty,max=20"`
}

// TransactionResponse is the public view of a payment.
type TransactionResponse struct {
	ID                    string      `json:"id"`
	Status                string      `json:"status"`
	Network               string      `json:"network"`
	Amount                money.Money `json:"amount"`
	FeesPaid              money.Money `json:"fees_paid"`
	FromAddress           string      `json:"from_address"`
	RecipientAddress      string      `json:"recipient_address"`
	Description           string      `json:"description,omitempty"`
	MerchantID            *string     `json:"merchant_id,omitempty"`
	ClientReference       string      `json:"client_reference,omitempty"`
	BlockchainHash        string      `json:"blockchain_hash,omitempty"`
	Confirmations         int64       `json:"confirmations"`
	RequiredConfirmations int64       `json:"required_confirmations"`
	ErrorCode             string      `json:"error_code,omitempty"`
	ErrorMessage          string      `json:"error_message,omitempty"`
	CreatedAt             string      `json:"created_at"`
	ExpiresAt             string      `json:"expires_at"`
	CompletedAt           *string     `json:"completed_at,omitempty"`
}

// SettlementResponse is the public view of a settlement.
type SettlementResponse struct {
	ID                string      `json:"id"`
	ReferenceNumber   string      `json:"reference_number"`
	Status            string      `json:"status"`
	Method            string      `json:"settlement_method"`
	GrossAmount       money.Money `json:"gross_amount"`
	Fee               money.Money `json:"fee"`
	NetAmount         money.Money `json:"net_amount"`
	TransactionCount  int         `json:"transaction_count"`
	RetryCount        int         `json:"retry_count"`
	NextRetryAt       *string     `json:"next_retry_at,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
	ErrorCode         string      `json:"error_code,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	PeriodStart       string      `json:"period_start"`
	PeriodEnd         string      `json:"period_end"`
	CreatedAt         string      `json:"created_at"`
	CompletedAt       *string     `json:"completed_at,omitempty"`
}

// CallbackAck is returned to a channel once its notification is recorded.
type CallbackAck struct {
	SettlementID string `json:"settlement_id"`
	Status       string `json:"status"`
}
