package chain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// authTransport stamps outbound requests with JSON content type and the
// provider API key.
type authTransport struct {
	base   http.RoundTripper
	header string
	apiKey string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		if t.header == "Authorization" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		} else {
			req.Header.Set(t.header, t.apiKey)
		}
	}
	return t.base.RoundTrip(req)
}

func newHTTPClient(timeout time.Duration, header, apiKey string) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &authTransport{
			base:   http.DefaultTransport,
			header: header,
			apiKey: apiKey,
		},
	}
}

// newLimiter returns nil when rps is not positive, meaning unthrottled.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
