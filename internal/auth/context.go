package auth

import (
	"context"
	"errors"
)

type ctxKey struct{}

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, Role: role})
}

// FromContext returns the caller; a missing user id counts as no identity.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	return id.UserID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	if id.Role == "" {
		return "", ErrNoIdentity
	}
	return id.Role, nil
}
