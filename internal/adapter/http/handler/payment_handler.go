package handler

import (
	"strings"
	"time"

	"qpesapay/internal/adapter/http/dto"
	"qpesapay/internal/adapter/http/middleware"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"
	"qpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
)

// PaymentHandler handles payment endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
	now        func() time.Time
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc, now: time.Now}
}

// CreatePayment handles POST /api/v1/payments.
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	userID, ok := userFromContext(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		response.Error(c, apperror.ErrMissingIdempotencyKey())
		return
	}
	if len(key) > maxIdempotencyKeyLength {
		response.Error(c, apperror.Validation("invalid request", apperror.Violation{
			Field:   HeaderIdempotencyKey,
			Message: "must be at most 255 characters",
		}))
		return
	}

	var req dto.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, dto.BindingError(err))
		return
	}
	dto.SanitizeStruct(&req)

	payReq, err := h.toPaymentRequest(userID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	outcome, err := h.paymentSvc.ProcessPayment(c.Request.Context(), payReq, key)
	if err != nil {
		response.Error(c, err)
		return
	}

	if outcome.Kind == ports.OutcomeDuplicate {
		c.Header(HeaderReplayed, "true")
		response.OK(c, toTransactionResponse(outcome.Record))
		return
	}
	response.Created(c, toTransactionResponse(outcome.Record))
}

// GetPayment handles GET /api/v1/payments/:id.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	userID, txID, ok := h.pathIDs(c)
	if !ok {
		return
	}
	rec, err := h.paymentSvc.GetPayment(c.Request.Context(), userID, txID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toTransactionResponse(rec))
}

// CancelPayment handles POST /api/v1/payments/:id/cancel.
func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	userID, txID, ok := h.pathIDs(c)
	if !ok {
		return
	}
	rec, err := h.paymentSvc.CancelPayment(c.Request.Context(), userID, txID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toTransactionResponse(rec))
}

func (h *PaymentHandler) pathIDs(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := userFromContext(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return uuid.Nil, uuid.Nil, false
	}
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("Transaction"))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, txID, true
}

// toPaymentRequest builds the domain request. Binding has already checked
// the formats, so failures here are range or precision problems.
func (h *PaymentHandler) toPaymentRequest(userID uuid.UUID, req dto.PaymentRequest) (domain.PaymentRequest, error) {
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		return domain.PaymentRequest{}, apperror.Validation("invalid request", apperror.Violation{Field: "currency", Message: err.Error()})
	}
	amount, err := money.Parse(req.Amount, currency)
	if err != nil {
		return domain.PaymentRequest{}, apperror.Validation("invalid request", apperror.Violation{Field: "amount", Message: err.Error()})
	}
	network, err := domain.ParseNetwork(req.Network)
	if err != nil {
		return domain.PaymentRequest{}, apperror.Validation("invalid request", apperror.Violation{Field: "network", Message: err.Error()})
	}

	var merchantID *uuid.UUID
	if req.MerchantID != nil {
		id, err := uuid.Parse(*req.MerchantID)
		if err != nil {
			return domain.PaymentRequest{}, apperror.Validation("invalid request", apperror.Violation{Field: "merchant_id", Message: "must be a UUID"})
		}
		merchantID = &id
	}

	return domain.PaymentRequest{
		ID:               uuid.New(),
		UserID:           userID,
		MerchantID:       merchantID,
		Amount:           amount,
		FromAddress:      req.FromAddress,
		RecipientAddress: req.RecipientAddress,
		Network:          network,
		Description:      req.Description,
		Extension: domain.TransactionExtension{
			SchemaVersion:   domain.ExtensionSchemaVersion,
			Channel:         req.Channel,
			ClientReference: req.ClientReference,
			Tags:            req.Tags,
		},
		CreatedAt: h.now().UTC(),
	}, nil
}

func userFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.CtxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func merchantFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// toTransactionResponse converts domain.TransactionRecord to DTO.
func toTransactionResponse(rec *domain.TransactionRecord) dto.TransactionResponse {
	resp := dto.TransactionResponse{
		ID:                    rec.ID.String(),
		Status:                string(rec.Status),
		Network:               string(rec.Network),
		Amount:                rec.Amount,
		FeesPaid:              rec.FeesPaid,
		FromAddress:           rec.FromAddress,
		RecipientAddress:      rec.ToAddress,
		Description:           rec.Description,
		ClientReference:       rec.Extension.ClientReference,
		BlockchainHash:        rec.BlockchainHash,
		Confirmations:         rec.Confirmations,
		RequiredConfirmations: rec.RequiredConfirmations,
		ErrorCode:             rec.ErrorCode,
		ErrorMessage:          rec.ErrorMessage,
		CreatedAt:             formatTime(rec.CreatedAt),
		ExpiresAt:             formatTime(rec.ExpiresAt),
		CompletedAt:           formatTimePtr(rec.CompletedAt),
	}
	if rec.MerchantID != nil {
		s := rec.MerchantID.String()
		resp.MerchantID = &s
	}
	return resp
}
