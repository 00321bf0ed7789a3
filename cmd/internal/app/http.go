package app

import (
	"net/http"
	"time"

	authapi "vdid/cmd/internal/auth/api"
	"vdid/cmd/internal/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	redis goredis.UniversalClient,
	collector *metrics.Collector,
	auth *authapi.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if redis != nil {
			if err := PingRedis(r.Context(), redis, 2*time.Second); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if collector != nil {
		mux.Handle("GET /metrics", collector.Handler())
	}

	if auth != nil {
		auth.Register(mux)
	}
}

// buildHandler layers the middleware around mux. The metrics middleware sits
// directly on the mux so the matched route pattern is visible to it.
func buildHandler(mux *http.ServeMux, log Logger, cfg Config, collector *metrics.Collector) http.Handler {
	var h http.Handler = mux
	if collector != nil {
		h = collector.Middleware(h)
	}
	h = WithCORS(h, cfg, log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, log)
}
