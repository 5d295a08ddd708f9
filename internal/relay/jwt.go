package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ChannelClaims scope a token to exactly one channel.
type ChannelClaims struct {
	jwt.RegisteredClaims

	Channel string `json:"channel_name"`
	Role    Role   `json:"role"`
	AppID   string `json:"app_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// JWTIssuer mints channel tokens locally. The signaling gateway verifies them
// with the same secret, so direct calls need no external issuer.
type JWTIssuer struct {
	secret []byte
	appID  string
	ttl    time.Duration
	clock  func() time.Time
}

func NewJWTIssuer(secret, appID string, ttl time.Duration) (*JWTIssuer, error) {
	if secret == "" {
		return nil, errors.New("RELAY_SECRET is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWTIssuer{secret: []byte(secret), appID: appID, ttl: ttl, clock: time.Now}, nil
}

func (j *JWTIssuer) Issue(_ context.Context, req Request) (Grant, error) {
	if err := req.validate(); err != nil {
		return Grant{}, err
	}
	uid := uuid.NewString()
	now := j.clock()
	exp := now.Add(j.ttl)

	claims := ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Channel: req.Channel,
		Role:    req.Role,
		AppID:   j.appID,
		UserID:  req.UserID,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}
	return Grant{Token: tok, AppID: j.appID, UID: uid, UserID: req.UserID, Channel: req.Channel, ExpiresAt: exp.UTC()}, nil
}

// Verify checks signature and expiry and that the token was minted for channel.
func (j *JWTIssuer) Verify(token, channel string) (ChannelClaims, error) {
	var claims ChannelClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(j.clock),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}); err != nil {
		return ChannelClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return ChannelClaims{}, ErrTokenInvalid
	}
	if claims.Channel != channel {
		return ChannelClaims{}, ErrWrongChannel
	}
	return claims, nil
}
