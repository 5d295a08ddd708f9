package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	AccessCodeLength   = 6
	accessCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	channelPrefixPaid = "consult-"
	channelPrefixFree = "free-"
)

// NewAccessCode returns a 6-character uppercase alphanumeric code.
// Codes are practically, not globally, unique; lookups scope them by doctor and recency.
func NewAccessCode() (string, error) {
	max := big.NewInt(int64(len(accessCodeAlphabet)))
	var b strings.Builder
	b.Grow(AccessCodeLength)
	for i := 0; i < AccessCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("access code: %w", err)
		}
		b.WriteByte(accessCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeAccessCode trims and upper-cases human input.
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidAccessCodeFormat reports whether code is exactly 6 chars of [A-Z0-9].
func ValidAccessCodeFormat(code string) bool {
	if len(code) != AccessCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(accessCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// NewChannelName derives the signaling/media topic for a new session from the
// doctor id and creation time. A short random suffix keeps two sessions created
// in the same millisecond apart.
func NewChannelName(kind Kind, doctorID string, at time.Time) (string, error) {
	prefix := channelPrefixPaid
	if kind == KindFree {
		prefix = channelPrefixFree
	}
	suffix, err := NewAccessCode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s-%d-%s", prefix, doctorID, at.UnixMilli(), strings.ToLower(suffix[:4])), nil
}
