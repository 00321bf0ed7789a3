package session

import (
	"os"
	"strings"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access/refresh token TTLs, clock skew tolerance and the PASETO v4
// signing key. Both token kinds are signed with the same key and told apart by
// the "typ" claim.
type Config struct {
	// Issuer is the value set in the "iss" claim of every token.
	Issuer string

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// RefreshTTL is the refresh token and session lifetime on every platform.
	RefreshTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:         "vdid",
		AccessTokenTTL: 15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - VDID_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - VDID_AUTH_ISSUER
//   - VDID_AUTH_ACCESS_TTL
//   - VDID_AUTH_REFRESH_TTL
//   - VDID_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("VDID_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"VDID_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"VDID_AUTH_REFRESH_TTL", &cfg.RefreshTTL, false},
		{"VDID_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("VDID_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Issuer == "" || c.AccessTokenTTL <= 0 || c.RefreshTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	// An access token must never outlive the session it belongs to.
	if c.AccessTokenTTL >= c.RefreshTTL {
		return ErrConfig
	}
	return nil
}
