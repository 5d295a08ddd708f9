// Package apiclient is the HTTP client for the session API, used by headless
// participants such as cmd/callagent.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"teleconsult/internal/auth"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
)

var (
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	ErrNotFound     = errors.New("apiclient: not found")
	ErrConflict     = errors.New("apiclient: conflict")
	ErrRejected     = errors.New("apiclient: request rejected")
)

// Client calls the session API. Transport errors and 5xx are retried; 4xx
// responses map to the errors above and are final.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	Attempts uint
	Delay    time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Timeout: timeout},
		Attempts: 3,
		Delay:    250 * time.Millisecond,
	}
}

// Identity is the caller behind the access token.
type Identity = auth.Identity

// Login uses the development login route and keeps the access token.
func (c *Client) Login(ctx context.Context, userID, role string) (auth.TokenPair, error) {
	var pair auth.TokenPair
	err := c.call(ctx, http.MethodPost, "/v1/auth/login", map[string]string{"user_id": userID, "role": role}, &pair)
	if err != nil {
		return auth.TokenPair{}, err
	}
	c.Token = pair.AccessToken
	return pair, nil
}

func (c *Client) Me(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.call(ctx, http.MethodGet, "/v1/me", nil, &id)
	return id, err
}

// JoinByCode resolves an access code for doctorID. ErrNotFound means the code
// is invalid or expired.
func (c *Client) JoinByCode(ctx context.Context, code, doctorID string) (session.Session, error) {
	var s session.Session
	err := c.call(ctx, http.MethodPost, "/v1/sessions/join", map[string]string{"code": code, "doctor_id": doctorID}, &s)
	return s, err
}

func (c *Client) GetSession(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.call(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

// IssueToken fetches the channel-scoped media token for the session.
func (c *Client) IssueToken(ctx context.Context, id string) (relay.Grant, error) {
	var g relay.Grant
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/token", nil, &g)
	return g, err
}

// MarkActive and MarkEnded let a Client drive the session row from a call.
func (c *Client) MarkActive(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/active", nil, &s)
	return s, err
}

func (c *Client) MarkEnded(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/end", nil, &s)
	return s, err
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		func() error { return c.do(ctx, method, path, body, out) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNotFound) &&
				!errors.Is(err, ErrConflict) && !errors.Is(err, ErrRejected)
		}),
	)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))

	if resp.StatusCode >= 400 {
		msg := apiError(raw)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, msg)
		default:
			return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}
	return nil
}

func apiError(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
