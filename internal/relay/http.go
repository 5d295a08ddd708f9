package relay

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

// HTTPIssuer fetches grants from the managed relay's token endpoint.
// Transport errors and 5xx are retried; 4xx is final.
type HTTPIssuer struct {
	BaseURL string
	APIKey  string
	Client  *http.Client

	Attempts uint
	Delay    time.Duration
}

func NewHTTPIssuer(baseURL, apiKey string, timeout time.Duration) *HTTPIssuer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIssuer{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		Attempts: 3,
		Delay:    250 * time.Millisecond,
	}
}

var errRejected = errors.New("rejected")

func (h *HTTPIssuer) Issue(ctx context.Context, req Request) (Grant, error) {
	if err := req.validate(); err != nil {
		return Grant{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Grant{}, err
	}

	attempts := h.Attempts
	if attempts == 0 {
		attempts = 1
	}
	var out Grant
	err = retry.Do(
		func() error {
			g, err := h.post(ctx, body)
			if err != nil {
				return err
			}
			out = g
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(h.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, errRejected) }),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}
	if out.Channel == "" {
		out.Channel = req.Channel
	}
	if out.UserID == "" {
		out.UserID = req.UserID
	}
	return out, nil
}

func (h *HTTPIssuer) post(ctx context.Context, body []byte) (Grant, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return Grant{}, retry.Unrecoverable(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return Grant{}, fmt.Errorf("issuer status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Grant{}, fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return Grant{}, fmt.Errorf("%w: decode: %v", errRejected, err)
	}
	if g.Token == "" || g.UID == "" {
		return Grant{}, fmt.Errorf("%w: empty grant", errRejected)
	}
	return g, nil
}
