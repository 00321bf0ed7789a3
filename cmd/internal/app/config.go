package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// AutoMigrate applies the embedded schema at startup when a database is configured.
	AutoMigrate bool

	// RedisAddrs enables the Redis challenge store. One address is a single node;
	// several are a cluster. RedisURL takes precedence when set.
	RedisURL       string
	RedisAddrs     []string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, VDID_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	// CORS. Empty CORSAllowedOrigins disables the middleware.
	// Entries may end in ":*" to allow any port on that scheme and host.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled   bool
	MetricsNamespace string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VDID_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VDID_LOG_LEVEL", "info"),
		LogFormat: EnvString("VDID_LOG_FORMAT", "json"),
		LogColor:  EnvBool("VDID_LOG_COLOR", true),

		ReadHeaderTimeout: EnvDuration("VDID_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VDID_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VDID_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VDID_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("VDID_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("VDID_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("VDID_DATABASE_URL", ""),
		DBSchema:    EnvString("VDID_DB_SCHEMA", "vdid"),
		DBMaxConns:  EnvInt32("VDID_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VDID_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("VDID_DB_AUTO_MIGRATE", false),

		RedisURL:       EnvString("VDID_REDIS_URL", ""),
		RedisAddrs:     EnvList("VDID_REDIS_ADDRS"),
		RedisPassword:  EnvString("VDID_REDIS_PASSWORD", ""),
		RedisDB:        EnvInt("VDID_REDIS_DB", 0),
		RedisKeyPrefix: EnvString("VDID_REDIS_KEY_PREFIX", "vdid:challenge:"),

		ReadinessRequireDB: EnvBool("VDID_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("VDID_REQUIRE_TOKEN_HMAC", false),

		CORSAllowedOrigins:   EnvList("VDID_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("VDID_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("VDID_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled:   EnvBool("VDID_METRICS_ENABLED", true),
		MetricsNamespace: EnvString("VDID_METRICS_NAMESPACE", "vdid"),
	}
}

// redisEnabled reports whether a Redis backend is configured.
func (c Config) redisEnabled() bool {
	return c.RedisURL != "" || len(c.RedisAddrs) > 0
}
