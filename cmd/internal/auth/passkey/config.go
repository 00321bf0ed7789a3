package passkey

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("passkey: invalid config")

// Config describes the relying party.
type Config struct {
	// RPID is the relying party id (a registrable domain, e.g. "id.example.com").
	RPID   string
	RPName string

	// Origins are the exact origins accepted in client data.
	Origins []string

	// Timeout is the ceremony timeout advertised to the client.
	Timeout time.Duration
	// ChallengeTTL bounds how long an issued challenge stays valid.
	ChallengeTTL time.Duration
}

// DefaultConfig returns the development relying party.
func DefaultConfig() Config {
	return Config{
		RPID:         "localhost",
		RPName:       "V-ID",
		Origins:      []string{"http://localhost:8080"},
		Timeout:      60 * time.Second,
		ChallengeTTL: 5 * time.Minute,
	}
}

// LoadConfigFromEnv reads VDID_WEBAUTHN_RP_ID, VDID_WEBAUTHN_RP_NAME and
// VDID_WEBAUTHN_ORIGINS (comma-separated) over DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("VDID_WEBAUTHN_RP_ID")); v != "" {
		cfg.RPID = v
	}
	if v := strings.TrimSpace(os.Getenv("VDID_WEBAUTHN_RP_NAME")); v != "" {
		cfg.RPName = v
	}
	if v := strings.TrimSpace(os.Getenv("VDID_WEBAUTHN_ORIGINS")); v != "" {
		cfg.Origins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Origins = append(cfg.Origins, o)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RPID == "" || c.RPName == "" || len(c.Origins) == 0 || c.Timeout <= 0 || c.ChallengeTTL < c.Timeout {
		return ErrConfig
	}
	for _, o := range c.Origins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			return ErrConfig
		}
	}
	return nil
}

func (c Config) allowedOrigin(origin string) bool {
	for _, o := range c.Origins {
		if o == origin {
			return true
		}
	}
	return false
}
