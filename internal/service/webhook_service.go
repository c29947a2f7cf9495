package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
)

// webhookRetryIntervals are the pauses between merchant delivery attempts.
var webhookRetryIntervals = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// WebhookSignatureHeader carries the HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-QPesaPay-Signature"

// SettlementWebhookPayload is the JSON body POSTed to a merchant's webhook_url.
type SettlementWebhookPayload struct {
	EventType         string `json:"event_type"`
	SettlementID      string `json:"settlement_id"`
	Status            string `json:"status"`
	NetAmount         string `json:"net_amount"`
	Currency          string `json:"currency"`
	RetryCount        string `json:"retry_count,omitempty"`
	NextRetryAt       string `json:"next_retry_at,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier implements ports.AuditPublisher by forwarding settlement
// outcomes to the merchant's webhook. Delivery is asynchronous with retries.
type WebhookNotifier struct {
	merchants  ports.MerchantRepository
	encryption ports.EncryptionService
	signatures ports.SignatureService
	httpClient HTTPClient
	intervals  []time.Duration
	log        zerolog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(
	merchants ports.MerchantRepository,
	encryption ports.EncryptionService,
	signatures ports.SignatureService,
	httpClient HTTPClient,
	log zerolog.Logger,
) *WebhookNotifier {
	return &WebhookNotifier{
		merchants:  merchants,
		encryption: encryption,
		signatures: signatures,
		httpClient: httpClient,
		intervals:  webhookRetryIntervals,
		log:        log,
	}
}

// Publish schedules delivery for settlement_completed and settlement_failed
// events and ignores everything else.
func (n *WebhookNotifier) Publish(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventSettlementCompleted && event.Type != domain.EventSettlementFailed {
		return nil
	}
	if event.MerchantID == nil || event.SettlementID == nil {
		return nil
	}

	merchant, err := n.merchants.GetSettlementProfile(ctx, *event.MerchantID)
	if err != nil {
		return fmt.Errorf("webhook: load merchant: %w", err)
	}
	if merchant == nil || merchant.WebhookURL == "" {
		n.log.Debug().Str("merchant_id", event.MerchantID.String()).Msg("webhook: no webhook URL configured, skipping")
		return nil
	}

	secret, err := n.encryption.Decrypt(merchant.WebhookSecretEnc)
	if err != nil {
		return fmt.Errorf("webhook: decrypt merchant secret: %w", err)
	}

	status := string(domain.SettlementStatusCompleted)
	if event.Type == domain.EventSettlementFailed {
		status = string(domain.SettlementStatusFailed)
	}
	payload := SettlementWebhookPayload{
		EventType:         string(event.Type),
		SettlementID:      event.SettlementID.String(),
		Status:            status,
		NetAmount:         event.Amount,
		Currency:          string(event.Currency),
		RetryCount:        event.Attributes["retry_count"],
		NextRetryAt:       event.Attributes["next_retry_at"],
		ExternalReference: event.Attributes["external_reference"],
		Timestamp:         event.Timestamp.Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	signature := n.signatures.Sign(secret, body)

	go n.deliverWithRetries(merchant.WebhookURL, body, signature, event.SettlementID.String())
	return nil
}

func (n *WebhookNotifier) deliverWithRetries(url string, body []byte, signature, settlementID string) {
	log := n.log.With().Str("settlement_id", settlementID).Logger()

	for attempt := 0; attempt <= len(n.intervals); attempt++ {
		if attempt > 0 {
			time.Sleep(n.intervals[attempt-1])
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			log.Error().Err(err).Msg("webhook: invalid merchant URL")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(WebhookSignatureHeader, signature)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook: delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Info().Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("webhook: delivered")
			return
		}
		log.Warn().Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("webhook: non-2xx response, retrying")
	}

	log.Error().Msg("webhook: all retry attempts exhausted")
}
