package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/local"
	"vdid/cmd/internal/auth/passkey"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/auth/wallet"
	"vdid/cmd/internal/score"
	"vdid/cmd/security/password"
	"vdid/migrations"
)

// Integration tests are opt-in and require VDID_DATABASE_URL.

func TestAuthAPI_Postgres_WebSessionLifecycle(t *testing.T) {
	ts, _ := mustIntegrationServer(t)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := ts.Client()
	client.Jar = jar

	email := "it_" + strings.ToLower(mustNewULIDLike(t)) + "@example.com"
	res := postJSON(t, client, ts.URL+"/auth/register", map[string]any{"email": email, "password": testPassword, "platform": "web"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", res.StatusCode, readBody(t, res))
	}
	var reg authResponse
	decodeResponse(t, res, &reg)
	if reg.RefreshToken != "" || reg.AccessToken == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	u, _ := url.Parse(ts.URL)
	var csrf string
	for _, c := range jar.Cookies(u) {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}
	if csrf == "" {
		t.Fatalf("csrf cookie not stored")
	}

	res = postJSON(t, client, ts.URL+"/auth/refresh", nil, map[string]string{"X-CSRF-Token": csrf})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh status=%d body=%s", res.StatusCode, readBody(t, res))
	}
	var refreshed refreshResponse
	decodeResponse(t, res, &refreshed)

	res = getWithBearer(t, client, ts.URL+"/me", refreshed.AccessToken)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status=%d body=%s", res.StatusCode, readBody(t, res))
	}
	var me meResponse
	decodeResponse(t, res, &me)
	if me.User.ID != reg.User.ID || me.User.LastLoginAt == nil {
		t.Fatalf("unexpected me: %+v", me.User)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+refreshed.AccessToken)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status=%d", res.StatusCode)
	}

	res = getWithBearer(t, client, ts.URL+"/me", refreshed.AccessToken)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", res.StatusCode)
	}
}

func TestAuthAPI_Postgres_LoginFailure_NoEnumeration(t *testing.T) {
	ts, _ := mustIntegrationServer(t)
	client := ts.Client()

	email := "it_" + strings.ToLower(mustNewULIDLike(t)) + "@example.com"
	res := postJSON(t, client, ts.URL+"/auth/register", map[string]any{"email": email, "password": testPassword, "platform": "ios"}, nil)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d", res.StatusCode)
	}

	wrong := postJSON(t, client, ts.URL+"/auth/login", map[string]any{"identifier": email, "password": "Wr0ng-password!"}, nil)
	wrongBody := readBody(t, wrong)
	unknown := postJSON(t, client, ts.URL+"/auth/login", map[string]any{"identifier": "missing_" + email, "password": testPassword}, nil)
	unknownBody := readBody(t, unknown)

	if wrong.StatusCode != http.StatusUnauthorized || unknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status wrong=%d unknown=%d", wrong.StatusCode, unknown.StatusCode)
	}
	if wrongBody != unknownBody {
		t.Fatalf("login failures are distinguishable:\n%s\n%s", wrongBody, unknownBody)
	}
}

func TestAuthAPI_Postgres_ScoreClaimPersistsHistory(t *testing.T) {
	ts, store := mustIntegrationServer(t)
	client := ts.Client()

	email := "it_" + strings.ToLower(mustNewULIDLike(t)) + "@example.com"
	res := postJSON(t, client, ts.URL+"/auth/register", map[string]any{"email": email, "password": testPassword, "platform": "ios"}, nil)
	var reg authResponse
	decodeResponse(t, res, &reg)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/score/claim", strings.NewReader(`{"action":"PROFILE_COMPLETED"}`))
	req.Header.Set("Authorization", "Bearer "+reg.AccessToken)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status=%d body=%s", res.StatusCode, readBody(t, res))
	}
	_ = res.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hist, err := store.ListScoreHistory(ctx, reg.User.ID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListScoreHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].ActionKey != "PROFILE_COMPLETED" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	p, err := store.GetPrincipal(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("GetPrincipal: %v", err)
	}
	if p.Scores.Social != 20 || p.TotalScore != p.Scores.Total() {
		t.Fatalf("scores not persisted: %+v", p.Scores)
	}
}

// ---- helpers ----

func mustIntegrationServer(t *testing.T) (*httptest.Server, *identity.PostgresStore) {
	t.Helper()

	pool := mustOpenAuthTestPool(t)
	t.Cleanup(pool.Close)

	schema := "vdid_it_api_" + strings.ToLower(mustNewULIDLike(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		t.Fatalf("identity.NewPostgresStore: %v", err)
	}
	sessStore, err := session.NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("session.NewPostgresStore: %v", err)
	}
	rec, err := audit.NewPostgresRecorder(pool, schema, log)
	if err != nil {
		t.Fatalf("audit.NewPostgresRecorder: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	challenges := challenge.NewRedisStore(rdb, "vdid:it:")

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = session.GenerateSecretKeyHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	sessions := session.NewService(scfg, sessStore, tokens)
	scores := score.NewEngine(store, score.WithAudit(rec), score.WithLogger(log))

	localSvc, err := local.NewService(password.LowCostConfig(), local.Deps{Store: store, Sessions: sessions, Scores: scores, Audit: rec, Log: log})
	if err != nil {
		t.Fatalf("local.NewService: %v", err)
	}
	walletSvc, err := wallet.NewService(wallet.DefaultConfig(), wallet.Deps{Store: store, Challenges: challenges, Sessions: sessions, Scores: scores, Audit: rec, Log: log})
	if err != nil {
		t.Fatalf("wallet.NewService: %v", err)
	}
	passkeySvc, err := passkey.NewService(passkey.DefaultConfig(), passkey.Deps{Store: store, Challenges: challenges, Sessions: sessions, Scores: scores, Audit: rec, Log: log})
	if err != nil {
		t.Fatalf("passkey.NewService: %v", err)
	}

	cfg := DefaultConfig()
	// httptest serves plain HTTP; the jar drops Secure cookies there.
	cfg.CookieSecure = false
	h, err := NewHandler(log, cfg, Deps{
		Principals: store,
		Sessions:   sessions,
		Local:      localSvc,
		Wallet:     walletSvc,
		Passkeys:   passkeySvc,
		Scores:     scores,
		Audit:      rec,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func mustOpenAuthTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("VDID_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: VDID_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (VDID_DATABASE_URL set): %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustNewULIDLike(t *testing.T) string {
	t.Helper()
	id, err := identity.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}

func postJSON(t *testing.T, client *http.Client, u string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, u, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", u, err)
	}
	return res
}

func getWithBearer(t *testing.T, client *http.Client, u, tok string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	return res
}

func decodeResponse(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	defer func() { _ = res.Body.Close() }()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer func() { _ = res.Body.Close() }()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
