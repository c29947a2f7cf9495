package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"qpesapay/config"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/rs/zerolog"
)

// tokenSkew renews the OAuth token before Daraja expires it.
const tokenSkew = time.Minute

// MpesaChannel pays out through the Daraja B2C API. Results arrive later on
// the configured result URL.
type MpesaChannel struct {
	cfg    config.MpesaConfig
	client *jsonClient
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMpesaChannel creates a B2C channel.
func NewMpesaChannel(cfg config.MpesaConfig, rps float64, log zerolog.Logger) *MpesaChannel {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MpesaChannel{
		cfg:    cfg,
		client: newJSONClient(cfg.Timeout, rps),
		log:    log.With().Str("component", "mpesa_channel").Logger(),
		now:    time.Now,
	}
}

func (c *MpesaChannel) Method() domain.SettlementMethod { return domain.SettlementMethodMpesa }

type b2cRequest struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   string `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	ErrorCode                string `json:"errorCode"`
	ErrorMessage             string `json:"errorMessage"`
}

// Send submits a BusinessPayment. Daraja acknowledges with a ConversationID
// that the result callback carries back.
func (c *MpesaChannel) Send(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	if req.Destination.MpesaPhone == "" {
		return ports.SendResult{}, &ports.ChannelError{Code: "MPESA_NO_PHONE", Message: "merchant has no M-Pesa number"}
	}
	if req.Amount.Currency() != money.KES {
		return ports.SendResult{}, &ports.ChannelError{Code: "MPESA_CURRENCY", Message: fmt.Sprintf("M-Pesa pays KES, not %s", req.Amount.Currency())}
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return ports.SendResult{}, &ports.ChannelError{Code: "MPESA_AUTH", Message: "could not obtain access token", Err: err}
	}

	status, raw, err := c.client.do(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/b2c/v3/paymentrequest",
		map[string]string{"Authorization": "Bearer " + token},
		b2cRequest{
			OriginatorConversationID: req.Reference,
			InitiatorName:            c.cfg.InitiatorName,
			SecurityCredential:       c.cfg.SecurityCredential,
			CommandID:                "BusinessPayment",
			Amount:                   req.Amount.String(),
			PartyA:                   c.cfg.ShortCode,
			PartyB:                   normalizeMSISDN(req.Destination.MpesaPhone),
			Remarks:                  "Settlement " + req.Reference,
			QueueTimeOutURL:          c.cfg.TimeoutURL,
			ResultURL:                c.cfg.ResultURL,
			Occasion:                 req.SettlementID.String(),
		})
	if err != nil {
		return ports.SendResult{}, &ports.ChannelError{Code: "MPESA_UNREACHABLE", Message: "B2C request failed", Err: err}
	}

	var resp b2cResponse
	_ = json.Unmarshal(raw, &resp)
	if !isSuccess(status) || resp.ResponseCode != "0" {
		if status == http.StatusUnauthorized {
			c.invalidateToken()
		}
		message := resp.ResponseDescription
		if resp.ErrorMessage != "" {
			message = resp.ErrorMessage
		}
		if message == "" {
			message = http.StatusText(status)
		}
		return ports.SendResult{}, &ports.ChannelError{
			Code:    "MPESA_REJECTED",
			Message: message,
			Err:     fmt.Errorf("HTTP %d code %q", status, resp.ResponseCode+resp.ErrorCode),
		}
	}

	c.log.Info().
		Str("settlement_id", req.SettlementID.String()).
		Str("conversation_id", resp.ConversationID).
		Msg("B2C payment accepted")
	return ports.SendResult{ExternalReference: resp.ConversationID, Status: ports.SendAccepted}, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *MpesaChannel) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	resp, err := c.client.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth: HTTP %d", resp.StatusCode)
	}
	var out oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode oauth response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("oauth: empty access token")
	}
	ttl, err := strconv.Atoi(out.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - tokenSkew)
	return c.token, nil
}

func (c *MpesaChannel) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// normalizeMSISDN turns 07XXXXXXXX and +2547XXXXXXXX into 2547XXXXXXXX.
func normalizeMSISDN(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if strings.HasPrefix(phone, "0") {
		return "254" + phone[1:]
	}
	return phone
}

type mpesaResult struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// ParseCallback decodes a B2C result notification. ResultCode 0 is success.
func (c *MpesaChannel) ParseCallback(payload []byte) (domain.CallbackResult, error) {
	var cb mpesaResult
	if err := json.Unmarshal(payload, &cb); err != nil {
		return domain.CallbackResult{}, fmt.Errorf("decode mpesa result: %w", err)
	}
	if cb.Result.ConversationID == "" {
		return domain.CallbackResult{}, errors.New("mpesa result has no ConversationID")
	}
	return domain.CallbackResult{
		Method:            domain.SettlementMethodMpesa,
		ExternalReference: cb.Result.ConversationID,
		Reference:         cb.Result.OriginatorConversationID,
		Success:           cb.Result.ResultCode == 0,
		ResultCode:        strconv.Itoa(cb.Result.ResultCode),
		Message:           cb.Result.ResultDesc,
		ReceivedAt:        c.now().UTC(),
	}, nil
}
