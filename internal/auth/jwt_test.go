package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "doctor-1", "doctor")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, now.Add(15*time.Minute), pair.ExpiresAt)

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "doctor-1", claims.UserID)
	assert.Equal(t, "doctor", claims.Role)
	assert.Equal(t, "doctor-1", claims.Subject)
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "patient")
	require.NoError(t, err)
	_, err = m.Verify(p.RefreshToken, TokenTypeAccess, time.Now())
	assert.True(t, errors.Is(err, ErrTokenTypeMismatch))
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Now()

	p, err := m.IssuePair(now, "u", "patient")
	require.NoError(t, err)
	_, err = m.Verify(p.AccessToken, TokenTypeAccess, now.Add(5*time.Minute))
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = other.Verify(p.AccessToken, TokenTypeAccess, now)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(config.AuthConfig{})
	assert.Error(t, err)
}
