package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"qpesapay/config"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// CustodyClient implements ports.BlockchainExecutor against the custody
// signing service. Keys never leave that service.
type CustodyClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewCustodyClient creates a client for cfg.BaseURL throttled to rps.
func NewCustodyClient(cfg config.CustodyConfig, rps float64, log zerolog.Logger) *CustodyClient {
	return &CustodyClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.Timeout, "Authorization", cfg.APIKey),
		limiter: newLimiter(rps),
		log:     log.With().Str("component", "custody_client").Logger(),
	}
}

type transferRequest struct {
	Reference   string `json:"reference"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Currency    string `json:"currency"`
	Network     string `json:"network"`
}

type transferResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

type custodyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Execute submits one transfer. The reference doubles as the custody
// idempotency key so a retried request is never broadcast twice.
func (c *CustodyClient) Execute(ctx context.Context, req ports.ExecuteRequest) (ports.ExecutionResult, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_001", Message: "throttled", Retryable: true, Err: err}
	}

	body, err := json.Marshal(transferRequest{
		Reference:   req.Reference.String(),
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount.String(),
		Fee:         req.Fee.String(),
		Currency:    string(req.Amount.Currency()),
		Network:     string(req.Network),
	})
	if err != nil {
		return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_002", Message: "encode transfer", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_002", Message: "build request", Err: err}
	}
	httpReq.Header.Set("Idempotency-Key", req.Reference.String())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_001", Message: "custody unreachable", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_001", Message: "read custody response", Retryable: true, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out transferResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_001", Message: "decode custody response", Retryable: true, Err: err}
		}
		if out.Hash == "" {
			return ports.ExecutionResult{}, &ports.ExecutionError{Code: "EXE_001", Message: "custody returned no hash", Retryable: true}
		}
		c.log.Info().
			Str("transaction_id", req.Reference.String()).
			Str("network", string(req.Network)).
			Str("hash", out.Hash).
			Msg("transfer broadcast")
		return ports.ExecutionResult{Hash: out.Hash, Status: out.Status}, nil
	}

	return ports.ExecutionResult{}, classifyCustodyError(resp.StatusCode, raw)
}

func classifyCustodyError(status int, raw []byte) *ports.ExecutionError {
	var body custodyError
	_ = json.Unmarshal(raw, &body)
	message := body.Message
	if message == "" {
		message = http.StatusText(status)
	}
	cause := errors.New(strings.TrimSpace(fmt.Sprintf("HTTP %d %s", status, body.Code)))

	retryable := status == http.StatusTooManyRequests || status >= 500
	code := "EXE_002"
	if retryable {
		code = "EXE_001"
	}
	return &ports.ExecutionError{Code: code, Message: message, Retryable: retryable, Err: cause}
}

func (c *CustodyClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custody health: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *CustodyClient) Name() string { return "custody" }
