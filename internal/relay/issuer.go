// Package relay issues the short-lived, channel-scoped tokens that authorize
// a participant to join one call's media channel.
package relay

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	// RolePublisher may publish and subscribe. Both consultation parties use it.
	RolePublisher Role = "publisher"
	// RoleSubscriber may only receive media.
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool { return r == RolePublisher || r == RoleSubscriber }

// Request names the channel a token is wanted for. UserID is the account the
// token is issued to; the issuer picks the participant uid.
type Request struct {
	Channel string `json:"channel_name"`
	Role    Role   `json:"role"`
	UserID  string `json:"user_id,omitempty"`
}

// Grant is what a participant presents when joining a channel. UID names this
// one join on the channel and differs per grant, so two devices of the same
// user are two participants.
type Grant struct {
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	UID       string    `json:"uid"`
	UserID    string    `json:"user_id,omitempty"`
	Channel   string    `json:"channel_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer interface {
	Issue(ctx context.Context, req Request) (Grant, error)
}

var (
	ErrInvalidRequest = errors.New("relay: invalid token request")
	ErrTokenIssue     = errors.New("relay: token issuance failed")
	ErrTokenInvalid   = errors.New("relay: token invalid")
	ErrWrongChannel   = errors.New("relay: token not valid for channel")
)

func (r Request) validate() error {
	if r.Channel == "" || !r.Role.Valid() {
		return ErrInvalidRequest
	}
	return nil
}
