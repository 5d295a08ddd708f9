package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const headerIdempotencyKey = "Idempotency-Key"

// HTTPInitiator posts checkout requests to the provider's REST endpoint.
// 5xx and transport errors are retried; 4xx responses are final.
type HTTPInitiator struct {
	BaseURL string
	APIKey  string
	Client  *http.Client

	Attempts uint
	Delay    time.Duration
}

func NewHTTPInitiator(baseURL, apiKey string, timeout time.Duration) *HTTPInitiator {
	return &HTTPInitiator{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		Attempts: 3,
		Delay:    200 * time.Millisecond,
	}
}

func (p *HTTPInitiator) Initiate(ctx context.Context, req Request) (Checkout, error) {
	if req.AmountMinor <= 0 || req.SessionRef == "" || req.PayerContact == "" {
		return Checkout{}, ErrInvalidRequest
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Checkout{}, err
	}

	var out Checkout
	err = retry.Do(
		func() error {
			co, err := p.post(ctx, body, req.SessionRef)
			if err != nil {
				return err
			}
			out = co
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts()),
		retry.Delay(p.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrNoCheckout) }),
	)
	if err != nil {
		return Checkout{}, err
	}
	return out, nil
}

func (p *HTTPInitiator) post(ctx context.Context, body []byte, idempotencyKey string) (Checkout, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return Checkout{}, retry.Unrecoverable(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set(headerIdempotencyKey, idempotencyKey)
	if p.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client().Do(hreq)
	if err != nil {
		return Checkout{}, fmt.Errorf("payment: post checkout: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return Checkout{}, fmt.Errorf("payment: provider status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Checkout{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var co Checkout
	if err := json.Unmarshal(raw, &co); err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrNoCheckout, err)
	}
	if !co.Usable() {
		return Checkout{}, ErrNoCheckout
	}
	return co, nil
}

func (p *HTTPInitiator) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *HTTPInitiator) attempts() uint {
	if p.Attempts == 0 {
		return 1
	}
	return p.Attempts
}
