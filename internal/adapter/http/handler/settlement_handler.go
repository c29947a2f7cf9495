package handler

import (
	"io"

	"qpesapay/internal/adapter/http/dto"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ParserLookup finds the callback parser of a settlement channel.
type ParserLookup interface {
	Parser(method domain.SettlementMethod) (ports.CallbackParser, bool)
}

// SettlementHandler handles merchant settlement endpoints and channel callbacks.
type SettlementHandler struct {
	settlementSvc ports.SettlementService
	parsers       ParserLookup
	log           zerolog.Logger
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(settlementSvc ports.SettlementService, parsers ParserLookup, log zerolog.Logger) *SettlementHandler {
	return &SettlementHandler{settlementSvc: settlementSvc, parsers: parsers, log: log}
}

// CreateSettlement handles POST /api/v1/settlements. A dispatch failure is
// reported through the returned settlement's status, not as an error.
func (h *SettlementHandler) CreateSettlement(c *gin.Context) {
	merchantID, ok := merchantFromContext(c)
	if !ok {
		response.Error(c, apperror.ErrForbidden())
		return
	}
	settlement, err := h.settlementSvc.BuildAndDispatch(c.Request.Context(), merchantID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toSettlementResponse(settlement))
}

// GetSettlement handles GET /api/v1/settlements/:id.
func (h *SettlementHandler) GetSettlement(c *gin.Context) {
	merchantID, settlementID, ok := settlementPathIDs(c)
	if !ok {
		return
	}
	settlement, err := h.settlementSvc.GetSettlement(c.Request.Context(), merchantID, settlementID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSettlementResponse(settlement))
}

// CancelSettlement handles POST /api/v1/settlements/:id/cancel.
func (h *SettlementHandler) CancelSettlement(c *gin.Context) {
	merchantID, settlementID, ok := settlementPathIDs(c)
	if !ok {
		return
	}
	settlement, err := h.settlementSvc.CancelSettlement(c.Request.Context(), merchantID, settlementID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSettlementResponse(settlement))
}

// Callback handles POST /api/v1/callbacks/:method. The signature has been
// checked by middleware.CallbackAuth.
func (h *SettlementHandler) Callback(c *gin.Context) {
	method := domain.SettlementMethod(c.Param("method"))
	parser, ok := h.parsers.Parser(method)
	if !ok {
		response.Error(c, apperror.ErrNotFound("callback channel"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}
	result, err := parser.ParseCallback(body)
	if err != nil {
		h.log.Warn().Err(err).Str("method", string(method)).Msg("unparseable settlement callback")
		response.Error(c, apperror.Validation("malformed callback payload"))
		return
	}
	if result.Method == "" {
		result.Method = method
	}

	settlement, err := h.settlementSvc.HandleCallback(c.Request.Context(), result)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.CallbackAck{
		SettlementID: settlement.ID.String(),
		Status:       string(settlement.Status),
	})
}

func settlementPathIDs(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	merchantID, ok := merchantFromContext(c)
	if !ok {
		response.Error(c, apperror.ErrForbidden())
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("Settlement"))
		return uuid.Nil, uuid.Nil, false
	}
	return merchantID, id, true
}

// toSettlementResponse converts domain.Settlement to DTO.
func toSettlementResponse(s *domain.Settlement) dto.SettlementResponse {
	return dto.SettlementResponse{
		ID:                s.ID.String(),
		ReferenceNumber:   s.ReferenceNumber,
		Status:            string(s.Status),
		Method:            string(s.Method),
		GrossAmount:       s.GrossAmount,
		Fee:               s.Fee,
		NetAmount:         s.NetAmount,
		TransactionCount:  len(s.TransactionIDs),
		RetryCount:        s.RetryCount,
		NextRetryAt:       formatTimePtr(s.NextRetryAt),
		ExternalReference: s.ExternalReference,
		ErrorCode:         s.ErrorCode,
		ErrorMessage:      s.ErrorMessage,
		PeriodStart:       formatTime(s.PeriodStart),
		PeriodEnd:         formatTime(s.PeriodEnd),
		CreatedAt:         formatTime(s.CreatedAt),
		CompletedAt:       formatTimePtr(s.CompletedAt),
	}
}
