// Package challenge stores single-use, time-bound challenge values (SIWE nonces and
// WebAuthn challenges) keyed by a caller-chosen string.
//
// English comment:
// - Issue overwrites any previous value for the key.
// - Consume succeeds at most once per issued value; the entry is deleted on success.
// - A wrong value leaves the entry in place so the legitimate holder can still use it.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("challenge: not found")
	ErrExpired  = errors.New("challenge: expired")
	ErrMismatch = errors.New("challenge: value mismatch")
)

// ValueBytes is the entropy of an issued value.
const ValueBytes = 32

// DefaultTTL applies when Issue is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// MaxTTL bounds how long any challenge may live.
const MaxTTL = time.Hour

// Challenge is an issued value.
type Challenge struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// Store is the challenge persistence boundary.
type Store interface {
	Issue(ctx context.Context, key string, ttl time.Duration) (Challenge, error)
	Consume(ctx context.Context, key, presented string) error
}

// Key helpers keep namespaces consistent between issuers and consumers.

func WalletKey(addressKey string) string { return "wallet:" + addressKey }

func PasskeyRegistrationKey(principalID string) string { return "passkey:reg:" + principalID }

func PasskeyAuthKey(principalID string) string { return "passkey:auth:" + principalID }

func PasskeyCeremonyKey(ceremonyID string) string { return "passkey:auth:ceremony:" + ceremonyID }

// NewValue returns ValueBytes of crypto/rand entropy as lowercase hex.
func NewValue() (string, error) {
	b := make([]byte, ValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("challenge: entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

func validKey(key string) bool {
	return strings.TrimSpace(key) != "" && len(key) <= 256
}
