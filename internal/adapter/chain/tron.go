package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TronSource reads transaction info from a TronGrid compatible HTTP API.
type TronSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewTronSource creates a source for the HTTP API at baseURL.
func NewTronSource(baseURL, apiKey string, rps float64, timeout time.Duration, log zerolog.Logger) *TronSource {
	return &TronSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(timeout, "TRON-PRO-API-KEY", apiKey),
		limiter: newLimiter(rps),
		log:     log.With().Str("component", "tron_source").Logger(),
	}
}

type tronTxInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Result      string `json:"result"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

type tronBlock struct {
	BlockHeader struct {
		RawData struct {
			Number uint64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

// Confirmations counts solidified blocks since the transaction's block.
// Unknown transactions answer with an empty object.
func (s *TronSource) Confirmations(ctx context.Context, hash string) (ports.ConfirmationInfo, error) {
	var info tronTxInfo
	if err := s.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": strings.TrimPrefix(hash, "0x")}, &info); err != nil {
		return ports.ConfirmationInfo{}, fmt.Errorf("tron transaction info %s: %w", hash, err)
	}
	if info.ID == "" || info.BlockNumber == 0 {
		return ports.ConfirmationInfo{}, nil
	}
	block := info.BlockNumber
	if info.Result == "FAILED" || (info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS") {
		return ports.ConfirmationInfo{BlockNumber: &block, Reverted: true}, nil
	}

	var head tronBlock
	if err := s.post(ctx, "/wallet/getnowblock", nil, &head); err != nil {
		return ports.ConfirmationInfo{}, fmt.Errorf("tron head block: %w", err)
	}
	var confirmations int64
	if n := head.BlockHeader.RawData.Number; n >= block {
		confirmations = int64(n-block) + 1
	}
	return ports.ConfirmationInfo{Confirmations: confirmations, BlockNumber: &block}, nil
}

func (s *TronSource) Ping(ctx context.Context) error {
	var head tronBlock
	return s.post(ctx, "/wallet/getnowblock", nil, &head)
}

func (s *TronSource) Name() string { return "tron" }

func (s *TronSource) post(ctx context.Context, path string, body, out any) error {
	if err := wait(ctx, s.limiter); err != nil {
		return err
	}
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, payload)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
