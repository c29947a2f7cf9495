package ports

import (
	"context"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Blockchain ---

// ExecuteRequest is a transfer handed to the signing service.
type ExecuteRequest struct {
	Reference   uuid.UUID
	FromAddress string
	ToAddress   string
	Amount      money.Money
	Fee         money.Money
	Network     domain.Network
}

// ExecutionResult is the executor's acknowledgement of a broadcast transfer.
type ExecutionResult struct {
	Hash   string
	Status string
}

// ExecutionError classifies executor failures.
type ExecutionError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("execution %s: %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BlockchainExecutor submits signed transfers.
type BlockchainExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error)
}

// ConfirmationInfo is what a chain reports about a submitted transfer.
type ConfirmationInfo struct {
	Confirmations int64
	BlockNumber   *uint64
	Reverted      bool
}

// ConfirmationSource reports confirmation counts for a chain hash.
type ConfirmationSource interface {
	Confirmations(ctx context.Context, hash string, network domain.Network) (ConfirmationInfo, error)
}

// AddressChecker validates recipient address syntax per network.
type AddressChecker interface {
	Check(network domain.Network, address string) error
}

// --- Fees & rates ---

// RateProvider returns the fee rate for a network: native units per gas unit
// on ethereum, BTC per byte on bitcoin, a flat fee on tron.
type RateProvider interface {
	Rate(ctx context.Context, network domain.Network) (decimal.Decimal, error)
}

// LiveRateSource fetches a current fee rate from a node.
type LiveRateSource interface {
	LiveRate(ctx context.Context) (decimal.Decimal, error)
}

// FeeRateCache keeps recently fetched live rates.
type FeeRateCache interface {
	Get(ctx context.Context, network domain.Network) (decimal.Decimal, bool, error)
	Set(ctx context.Context, network domain.Network, rate decimal.Decimal, ttl time.Duration) error
}

// ExchangeRateProvider quotes units of `to` per unit of `from`.
type ExchangeRateProvider interface {
	Rate(ctx context.Context, from, to money.Currency) (decimal.Decimal, error)
}

// --- Settlement channels ---

// SendStatus is a channel's immediate answer to a payout.
type SendStatus string

const (
	// SendAccepted means the final status arrives later by callback.
	SendAccepted  SendStatus = "ACCEPTED"
	SendCompleted SendStatus = "COMPLETED"
)

// SendRequest is one payout.
type SendRequest struct {
	SettlementID uuid.UUID
	Reference    string
	Destination  domain.SettlementDestination
	Amount       money.Money
}

// SendResult is the channel acknowledgement.
type SendResult struct {
	ExternalReference string
	Status            SendStatus
}

// ChannelError is a payout failure reported by a channel.
type ChannelError struct {
	Code    string
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("channel %s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// SettlementChannel delivers payouts for one settlement method.
type SettlementChannel interface {
	Method() domain.SettlementMethod
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// CallbackParser decodes a channel's asynchronous result notification.
type CallbackParser interface {
	ParseCallback(payload []byte) (domain.CallbackResult, error)
}

// --- Audit ---

// AuditPublisher hands events to the audit collaborator.
type AuditPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// --- Tokens & signatures ---

// TokenClaims holds the caller identity carried by a bearer token.
type TokenClaims struct {
	UserID     uuid.UUID
	MerchantID *uuid.UUID
	Role       string
}

// TokenService issues and validates bearer tokens.
type TokenService interface {
	Generate(claims TokenClaims) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// SignatureService verifies HMAC-SHA256 signatures on channel callbacks.
type SignatureService interface {
	Sign(secret string, payload []byte) string
	Verify(secret string, payload []byte, signature string) bool
}

// EncryptionService protects secrets stored at rest.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// --- Service Ports (Business Logic) ---

// OutcomeKind tells a fresh result from an idempotent replay.
type OutcomeKind string

const (
	OutcomeProcessed OutcomeKind = "PROCESSED"
	OutcomeDuplicate OutcomeKind = "DUPLICATE"
)

// PaymentOutcome is the successful result of ProcessPayment. Rejections are
// returned as *apperror.AppError.
type PaymentOutcome struct {
	Kind   OutcomeKind
	Record *domain.TransactionRecord
}

// PaymentService is the idempotent payment pipeline.
type PaymentService interface {
	ProcessPayment(ctx context.Context, req domain.PaymentRequest, idempotencyKey string) (*PaymentOutcome, error)
	GetPayment(ctx context.Context, userID, transactionID uuid.UUID) (*domain.TransactionRecord, error)
	CancelPayment(ctx context.Context, userID, transactionID uuid.UUID) (*domain.TransactionRecord, error)
}

// SettlementService builds and dispatches merchant payouts.
type SettlementService interface {
	BuildAndDispatch(ctx context.Context, merchantID uuid.UUID) (*domain.Settlement, error)
	GetSettlement(ctx context.Context, merchantID, settlementID uuid.UUID) (*domain.Settlement, error)
	HandleCallback(ctx context.Context, result domain.CallbackResult) (*domain.Settlement, error)
	CancelSettlement(ctx context.Context, merchantID, settlementID uuid.UUID) (*domain.Settlement, error)
}
