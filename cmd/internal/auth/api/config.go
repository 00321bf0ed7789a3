package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// WebRefreshCookieEnabled moves the refresh token of web sessions into an
	// HttpOnly cookie and removes it from response bodies.
	WebRefreshCookieEnabled bool
	RefreshCookieName       string
	RefreshCookieMaxAge     time.Duration
	CSRFCookieName          string
	CSRFHeaderName          string
	// CSRFRequired enforces the double-submit check on cookie-based refresh.
	CSRFRequired   bool
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite

	// ExposeErrorDetail includes internal error text in 500 responses.
	ExposeErrorDetail bool
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:            1 << 20, // 1 MiB
		WebRefreshCookieEnabled: true,
		RefreshCookieName:       "vdid_refresh",
		RefreshCookieMaxAge:     7 * 24 * time.Hour,
		CSRFCookieName:          "vdid_csrf",
		CSRFHeaderName:          "X-CSRF-Token",
		CSRFRequired:            true,
		CookiePath:              "/",
		CookieSecure:            true,
		CookieSameSite:          http.SameSiteLaxMode,
	}
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:              envBool("VDID_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:            envInt64("VDID_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		WebRefreshCookieEnabled: envBool("VDID_AUTH_WEB_REFRESH_COOKIE", def.WebRefreshCookieEnabled),
		RefreshCookieName:       envString("VDID_AUTH_REFRESH_COOKIE_NAME", def.RefreshCookieName),
		RefreshCookieMaxAge:     envDuration("VDID_AUTH_REFRESH_COOKIE_MAX_AGE", def.RefreshCookieMaxAge),
		CSRFCookieName:          envString("VDID_AUTH_CSRF_COOKIE_NAME", def.CSRFCookieName),
		CSRFHeaderName:          envString("VDID_AUTH_CSRF_HEADER_NAME", def.CSRFHeaderName),
		CSRFRequired:            envBool("VDID_AUTH_CSRF_REQUIRED", def.CSRFRequired),
		CookiePath:              envString("VDID_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:            strings.TrimSpace(os.Getenv("VDID_AUTH_COOKIE_DOMAIN")),
		CookieSecure:            envBool("VDID_AUTH_COOKIE_SECURE", def.CookieSecure),
		CookieSameSite:          parseSameSite(os.Getenv("VDID_AUTH_COOKIE_SAMESITE")),
		ExposeErrorDetail:       !strings.EqualFold(strings.TrimSpace(os.Getenv("VDID_ENV")), "production"),
	}

	// Cookie names must not collide, or the CSRF cookie would overwrite the refresh token.
	if cfg.CSRFCookieName == cfg.RefreshCookieName {
		cfg.CSRFCookieName = cfg.RefreshCookieName + "_csrf"
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
