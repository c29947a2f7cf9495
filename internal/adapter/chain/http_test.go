package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"qpesapay/config"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tronServer(t *testing.T, txInfo string, head uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tron-key", r.Header.Get("TRON-PRO-API-KEY"))
		switch r.URL.Path {
		case "/wallet/gettransactioninfobyid":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "abc123", body["value"])
			_, _ = w.Write([]byte(txInfo))
		case "/wallet/getnowblock":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"block_header": map[string]any{"raw_data": map[string]any{"number": head}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTronSource_Confirmations(t *testing.T) {
	tests := []struct {
		name   string
		txInfo string
		head   uint64
		want   ports.ConfirmationInfo
	}{
		{
			name:   "unknown transaction",
			txInfo: `{}`,
			want:   ports.ConfirmationInfo{},
		},
		{
			name:   "successful transfer",
			txInfo: `{"id":"abc123","blockNumber":61000000,"receipt":{"result":"SUCCESS"}}`,
			head:   61000018,
			want:   ports.ConfirmationInfo{Confirmations: 19, BlockNumber: ptr(uint64(61000000))},
		},
		{
			name:   "out of energy",
			txInfo: `{"id":"abc123","blockNumber":61000000,"result":"FAILED","receipt":{"result":"OUT_OF_ENERGY"}}`,
			want:   ports.ConfirmationInfo{BlockNumber: ptr(uint64(61000000)), Reverted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tronServer(t, tt.txInfo, tt.head)
			src := NewTronSource(srv.URL, "tron-key", 0, time.Second, zerolog.Nop())

			got, err := src.Confirmations(context.Background(), "0xabc123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTronSource_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewTronSource(srv.URL, "", 0, time.Second, zerolog.Nop()).Confirmations(context.Background(), "abc123")
	assert.ErrorContains(t, err, "HTTP 503")
}

func executeRequest() ports.ExecuteRequest {
	return ports.ExecuteRequest{
		Reference:   uuid.MustParse("8d0c7c52-7a4e-4d59-a1c8-0c7d0c0e2b11"),
		FromAddress: "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8",
		ToAddress:   "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		Amount:      money.MustParse("100.5", money.USDT),
		Fee:         money.MustParse("1", money.USDT),
		Network:     domain.NetworkTron,
	}
}

func TestCustodyClient_Execute(t *testing.T) {
	var got transferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "Bearer custody-key", r.Header.Get("Authorization"))
		assert.Equal(t, "8d0c7c52-7a4e-4d59-a1c8-0c7d0c0e2b11", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"hash":"0xfeed","status":"broadcast"}`))
	}))
	defer srv.Close()

	c := NewCustodyClient(config.CustodyConfig{BaseURL: srv.URL, APIKey: "custody-key", Timeout: time.Second}, 0, zerolog.Nop())
	result, err := c.Execute(context.Background(), executeRequest())
	require.NoError(t, err)
	assert.Equal(t, ports.ExecutionResult{Hash: "0xfeed", Status: "broadcast"}, result)

	assert.Equal(t, "100.500000", got.Amount)
	assert.Equal(t, "1.000000", got.Fee)
	assert.Equal(t, "USDT", got.Currency)
	assert.Equal(t, "tron", got.Network)
}

func TestCustodyClient_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantRetryable bool
		wantMessage   string
	}{
		{"rejected transfer", http.StatusUnprocessableEntity, `{"code":"INSUFFICIENT_FUNDS","message":"hot wallet empty"}`, "EXE_002", false, "hot wallet empty"},
		{"throttled", http.StatusTooManyRequests, ``, "EXE_001", true, "Too Many Requests"},
		{"server error", http.StatusBadGateway, `{"message":"node down"}`, "EXE_001", true, "node down"},
		{"missing hash", http.StatusOK, `{"status":"queued"}`, "EXE_001", true, "custody returned no hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewCustodyClient(config.CustodyConfig{BaseURL: srv.URL, Timeout: time.Second}, 0, zerolog.Nop())
			_, err := c.Execute(context.Background(), executeRequest())

			var ee *ports.ExecutionError
			require.True(t, errors.As(err, &ee), "want ExecutionError, got %v", err)
			assert.Equal(t, tt.wantCode, ee.Code)
			assert.Equal(t, tt.wantRetryable, ee.Retryable)
			assert.Equal(t, tt.wantMessage, ee.Message)
		})
	}
}

func TestCustodyClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewCustodyClient(config.CustodyConfig{BaseURL: url, Timeout: time.Second}, 0, zerolog.Nop()).
		Execute(context.Background(), executeRequest())
	var ee *ports.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.True(t, ee.Retryable)
}

func TestCustodyClient_Throttles(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"hash":"0x1"}`))
	}))
	defer srv.Close()

	c := NewCustodyClient(config.CustodyConfig{BaseURL: srv.URL, Timeout: time.Second}, 0.001, zerolog.Nop())
	_, err := c.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	// The single burst token is spent; the next call cannot be served before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, executeRequest())
	var ee *ports.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.True(t, ee.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}
