// Package app wires the V-ID server runtime: config, logging, storage backends,
// auth services, metrics and the HTTP server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"vdid/cmd/identity"
	authapi "vdid/cmd/internal/auth/api"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/local"
	"vdid/cmd/internal/auth/passkey"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/auth/wallet"
	"vdid/cmd/internal/metrics"
	"vdid/cmd/internal/score"
	"vdid/cmd/security/password"
	"vdid/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

// App is the V-ID server runtime. It owns the storage connections and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  goredis.UniversalClient

	metrics *metrics.Collector
	auth    *authapi.Handler
}

// backends are the persistence implementations selected from Config.
type backends struct {
	identity   identity.Store
	sessions   session.Store
	challenges challenge.Store
	audit      audit.Recorder
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	if cfg.MetricsEnabled {
		a.metrics = metrics.NewCollector(cfg.MetricsNamespace)
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	h, err := a.buildAuth(b)
	if err != nil {
		a.close()
		return nil, err
	}
	a.auth = h
	return a, nil
}

func (a *App) openBackends(ctx context.Context) (backends, error) {
	var b backends
	logRec := audit.NewLogRecorder(a.log)

	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store")
		b.identity = identity.NewMemoryStore()
		b.sessions = session.NewMemoryStore()
		b.audit = logRec
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return b, fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool

		if a.cfg.AutoMigrate {
			if err := migrations.Apply(ctx, pool, a.cfg.DBSchema); err != nil {
				return b, err
			}
			a.log.Info("db.migrations.applied", "schema", a.cfg.DBSchema)
		}

		ids, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return b, err
		}
		sess, err := session.NewPostgresStore(pool, a.cfg.DBSchema)
		if err != nil {
			return b, err
		}
		pgRec, err := audit.NewPostgresRecorder(pool, a.cfg.DBSchema, a.log)
		if err != nil {
			return b, err
		}
		b.identity = ids
		b.sessions = sess
		b.audit = audit.Multi(logRec, pgRec)
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	}

	if a.cfg.redisEnabled() {
		client, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return b, err
		}
		a.redis = client
		b.challenges = challenge.NewRedisStore(client, a.cfg.RedisKeyPrefix)
		a.log.Info("redis.enabled.challenge_store")
	} else {
		b.challenges = challenge.NewMemoryStore(nil)
		a.log.Info("redis.disabled.inmemory_challenges")
	}

	if a.metrics != nil {
		b.audit = a.metrics.InstrumentAudit(b.audit)
		b.challenges = a.metrics.InstrumentChallenges(b.challenges)
	}
	return b, nil
}

func (a *App) buildAuth(b backends) (*authapi.Handler, error) {
	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		return nil, err
	}
	sessions := session.NewService(scfg, b.sessions, tokens)

	scores := score.NewEngine(b.identity, score.WithAudit(b.audit), score.WithLogger(a.log))

	hasher, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	localSvc, err := local.NewService(hasher, local.Deps{
		Store:    b.identity,
		Sessions: sessions,
		Scores:   scores,
		Audit:    b.audit,
		Log:      a.log,
	})
	if err != nil {
		return nil, err
	}

	wcfg, err := wallet.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	walletSvc, err := wallet.NewService(wcfg, wallet.Deps{
		Store:      b.identity,
		Challenges: b.challenges,
		Sessions:   sessions,
		Scores:     scores,
		Audit:      b.audit,
		Log:        a.log,
	})
	if err != nil {
		return nil, err
	}

	pcfg, err := passkey.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	passkeySvc, err := passkey.NewService(pcfg, passkey.Deps{
		Store:      b.identity,
		Challenges: b.challenges,
		Sessions:   sessions,
		Scores:     scores,
		Audit:      b.audit,
		Log:        a.log,
	})
	if err != nil {
		return nil, err
	}

	return authapi.NewHandler(a.log, authapi.LoadConfigFromEnv(), authapi.Deps{
		Principals: b.identity,
		Sessions:   sessions,
		Local:      localSvc,
		Wallet:     walletSvc,
		Passkeys:   passkeySvc,
		Scores:     scores,
		Audit:      b.audit,
	})
}

// Handler returns the fully layered HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.redis, a.metrics, a.auth)
	return buildHandler(mux, a.log, a.cfg, a.metrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"metrics_enabled", a.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases the storage connections. The app owns both.
func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to the IPv4 loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
