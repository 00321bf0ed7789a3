package wallet

import (
	"errors"
	"os"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("wallet: invalid config")

// DefaultStatement is the human-readable line of every sign-in message.
const DefaultStatement = "Sign in to V-ID to prove you control this wallet."

// Config controls message rendering and nonce lifetime.
type Config struct {
	// Domain is the RFC 3986 authority requesting the signature (e.g. "id.example.com").
	Domain string
	// URI is the resource the principal signs in to.
	URI string
	// Statement is the fixed application statement.
	Statement string
	// NonceTTL bounds both the nonce and the message expiration time.
	NonceTTL time.Duration
	// ClockSkew tolerates client/server drift on Issued At.
	ClockSkew time.Duration
}

// DefaultConfig returns the development configuration.
func DefaultConfig() Config {
	return Config{
		Domain:    "localhost:8080",
		URI:       "http://localhost:8080",
		Statement: DefaultStatement,
		NonceTTL:  10 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfigFromEnv reads VDID_SIWE_DOMAIN, VDID_SIWE_URI, VDID_SIWE_STATEMENT and
// VDID_WALLET_NONCE_TTL over DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("VDID_SIWE_DOMAIN")); v != "" {
		cfg.Domain = v
	}
	if v := strings.TrimSpace(os.Getenv("VDID_SIWE_URI")); v != "" {
		cfg.URI = v
	}
	if v := strings.TrimSpace(os.Getenv("VDID_SIWE_STATEMENT")); v != "" {
		cfg.Statement = v
	}
	if v := strings.TrimSpace(os.Getenv("VDID_WALLET_NONCE_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.NonceTTL = d
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Domain == "" || c.URI == "" || c.NonceTTL <= 0 || c.NonceTTL > time.Hour || c.ClockSkew < 0 {
		return ErrConfig
	}
	// The statement is a single line of the signed payload.
	if strings.ContainsAny(c.Statement, "\r\n") || strings.ContainsAny(c.Domain, " \r\n") {
		return ErrConfig
	}
	return nil
}
