package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qpesapay/config"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
)

// BankChannel pays out through the bank transfer API.
type BankChannel struct {
	baseURL string
	apiKey  string
	client  *jsonClient
	log     zerolog.Logger
	now     func() time.Time
}

func NewBankChannel(cfg config.BankConfig, rps float64, log zerolog.Logger) *BankChannel {
	return &BankChannel{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  newJSONClient(cfg.Timeout, rps),
		log:     log.With().Str("component", "bank_channel").Logger(),
		now:     time.Now,
	}
}

func (c *BankChannel) Method() domain.SettlementMethod { return domain.SettlementMethodBankTransfer }

type bankTransferRequest struct {
	Reference     string `json:"reference"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

type bankTransferResponse struct {
	TransferID string `json:"transfer_id"`
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

func (c *BankChannel) Send(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	acct := req.Destination.Bank
	if acct == nil || acct.AccountNumber == "" || acct.BankCode == "" {
		return ports.SendResult{}, &ports.ChannelError{Code: "BANK_NO_ACCOUNT", Message: "merchant has no bank account"}
	}

	status, raw, err := c.client.do(ctx, http.MethodPost, c.baseURL+"/v1/transfers",
		map[string]string{
			"Authorization":   "Bearer " + c.apiKey,
			"Idempotency-Key": req.Reference,
		},
		bankTransferRequest{
			Reference:     req.Reference,
			Amount:        req.Amount.String(),
			Currency:      string(req.Amount.Currency()),
			BankCode:      acct.BankCode,
			AccountNumber: acct.AccountNumber,
			AccountName:   acct.AccountName,
		})
	if err != nil {
		return ports.SendResult{}, &ports.ChannelError{Code: "BANK_UNREACHABLE", Message: "transfer request failed", Err: err}
	}

	var resp bankTransferResponse
	_ = json.Unmarshal(raw, &resp)
	if !isSuccess(status) {
		message := resp.Reason
		if message == "" {
			message = http.StatusText(status)
		}
		return ports.SendResult{}, &ports.ChannelError{Code: "BANK_REJECTED", Message: message, Err: fmt.Errorf("HTTP %d", status)}
	}

	switch strings.ToLower(resp.Status) {
	case "completed":
		return ports.SendResult{ExternalReference: resp.TransferID, Status: ports.SendCompleted}, nil
	case "pending", "processing":
		c.log.Info().Str("settlement_id", req.SettlementID.String()).Str("transfer_id", resp.TransferID).Msg("bank transfer pending")
		return ports.SendResult{ExternalReference: resp.TransferID, Status: ports.SendAccepted}, nil
	case "failed":
		return ports.SendResult{}, &ports.ChannelError{Code: "BANK_FAILED", Message: resp.Reason}
	}
	return ports.SendResult{}, &ports.ChannelError{Code: "BANK_UNKNOWN_STATUS", Message: fmt.Sprintf("unexpected transfer status %q", resp.Status)}
}

// ParseCallback decodes a transfer status notification. Only terminal
// statuses are accepted.
func (c *BankChannel) ParseCallback(payload []byte) (domain.CallbackResult, error) {
	var cb bankTransferResponse
	if err := json.Unmarshal(payload, &cb); err != nil {
		return domain.CallbackResult{}, fmt.Errorf("decode bank callback: %w", err)
	}
	if cb.TransferID == "" {
		return domain.CallbackResult{}, errors.New("bank callback has no transfer_id")
	}
	result := domain.CallbackResult{
		Method:            domain.SettlementMethodBankTransfer,
		ExternalReference: cb.TransferID,
		Reference:         cb.Reference,
		ResultCode:        strings.ToUpper(cb.Status),
		Message:           cb.Reason,
		ReceivedAt:        c.now().UTC(),
	}
	switch strings.ToLower(cb.Status) {
	case "completed":
		result.Success = true
	case "failed", "reversed":
	default:
		return domain.CallbackResult{}, fmt.Errorf("bank callback status %q is not final", cb.Status)
	}
	return result, nil
}
