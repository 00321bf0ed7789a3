package app

import (
	"errors"

	"vdid/cmd/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup.
// The check runs against security/token, the same package that hashes refresh tokens.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Length is measured in bytes; the key is used raw.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: VDID_REQUIRE_TOKEN_HMAC=true but VDID_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: VDID_REQUIRE_TOKEN_HMAC=true but VDID_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: VDID_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
