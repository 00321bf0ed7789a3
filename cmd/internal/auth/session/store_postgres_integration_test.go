package session

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"vdid/migrations"
)

// Integration tests are enabled when VDID_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresSession_IssueAndRotateRefresh_Succeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, pool, schema := mustPostgresService(t)

	principalID := mustCreatePrincipal(ctx, t, pool, schema)
	sub := Subject{PrincipalID: principalID, VID: "VID-TEST-TEST-TEST"}

	now := time.Now().UTC()
	dev := DeviceContext{
		Platform:  PlatformWeb,
		UserAgent: "vdid-test/1.0",
		IP:        net.ParseIP("198.51.100.4"),
	}

	issued1, err := svc.IssueSession(ctx, now, sub, dev)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	claims, err := svc.VerifyAccess(ctx, issued1.AccessToken, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.PrincipalID != principalID || claims.SessionID != issued1.SessionID {
		t.Fatalf("VerifyAccess: unexpected claims %+v", claims)
	}

	row, err := store.GetByID(ctx, issued1.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !row.IP.Equal(net.ParseIP("198.51.100.4")) || row.UserAgent != "vdid-test/1.0" {
		t.Fatalf("device context not persisted: %+v", row)
	}

	issued2, err := svc.Refresh(ctx, now.Add(2*time.Second), issued1.RefreshToken, dev, staticSubject(sub))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if issued2.SessionID == issued1.SessionID || issued2.RefreshToken == issued1.RefreshToken {
		t.Fatalf("Refresh: expected a new session and refresh token")
	}

	oldRow, err := store.GetByID(ctx, issued1.SessionID)
	if err != nil {
		t.Fatalf("GetByID old: %v", err)
	}
	if oldRow.RevokedAt == nil {
		t.Fatalf("expected old session revoked_at to be set")
	}
	if oldRow.ReplacedBySessionID == nil || *oldRow.ReplacedBySessionID != issued2.SessionID {
		t.Fatalf("expected old session replaced_by_session_id=%q, got %+v", issued2.SessionID, oldRow.ReplacedBySessionID)
	}

	newRow, err := store.GetByID(ctx, issued2.SessionID)
	if err != nil {
		t.Fatalf("GetByID new: %v", err)
	}
	if newRow.RevokedAt != nil || newRow.PrincipalID != principalID {
		t.Fatalf("expected new session to be active, got %+v", newRow)
	}
}

func TestPostgresSession_Refresh_ReuseDetected_RevokesAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, pool, schema := mustPostgresService(t)

	principalID := mustCreatePrincipal(ctx, t, pool, schema)
	sub := Subject{PrincipalID: principalID, VID: "VID-TEST-TEST-TEST"}
	now := time.Now().UTC()
	dev := DeviceContext{Platform: PlatformIOS}

	first, err := svc.IssueSession(ctx, now, sub, dev)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	other, err := svc.IssueSession(ctx, now, sub, DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession other: %v", err)
	}
	second, err := svc.Refresh(ctx, now.Add(time.Second), first.RefreshToken, dev, staticSubject(sub))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	_, err = svc.Refresh(ctx, now.Add(2*time.Second), first.RefreshToken, dev, staticSubject(sub))
	if !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("expected ErrRefreshReuseDetected, got %v", err)
	}

	for _, id := range []string{second.SessionID, other.SessionID} {
		row, err := store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID %s: %v", id, err)
		}
		if row.RevokedAt == nil {
			t.Fatalf("expected session %s revoked after reuse", id)
		}
	}
}

func TestPostgresSession_VerifyAccess_Revoked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, pool, schema := mustPostgresService(t)

	principalID := mustCreatePrincipal(ctx, t, pool, schema)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, Subject{PrincipalID: principalID}, DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if err := svc.Logout(ctx, now, issued.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, issued.AccessToken, now.Add(time.Second)); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if err := svc.Logout(ctx, now, issued.SessionID); err != nil {
		t.Fatalf("Logout must be idempotent: %v", err)
	}
}

func TestPostgresSession_Touch_UpdatesLastUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, pool, schema := mustPostgresService(t)

	principalID := mustCreatePrincipal(ctx, t, pool, schema)
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, Subject{PrincipalID: principalID}, DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	next := now.Add(5 * time.Second)
	if err := svc.Touch(ctx, next, issued.SessionID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	row, err := store.GetByID(ctx, issued.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	want := next.UTC().Truncate(time.Microsecond)
	if row.LastUsedAt == nil || !row.LastUsedAt.Equal(want) {
		t.Fatalf("expected last_used_at=%v, got %v", want, row.LastUsedAt)
	}

	if err := svc.Touch(ctx, next, "01JMISSINGAAAAAAAAAAAAAAAA"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func mustPostgresService(t *testing.T) (*Service, *PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	pool := mustPGXPool(t)
	t.Cleanup(pool.Close)

	schema := "vdid_it_" + strings.ToLower(newULID(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	store, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = GenerateSecretKeyHex()
	tokens, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	return NewService(cfg, store, tokens), store, pool, schema
}

func mustPGXPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := strings.TrimSpace(os.Getenv("VDID_DATABASE_URL"))
	if dbURL == "" {
		t.Skip("VDID_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}

	cfg.MaxConns = 4
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (VDID_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func newULID(t *testing.T) string {
	t.Helper()

	entropy := ulid.Monotonic(rand.Reader, 0)

	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
	if len(id) != 26 {
		t.Fatalf("expected ULID length 26, got %d", len(id))
	}
	return id
}

// mustCreatePrincipal inserts a bare principal row; sessions only need the foreign key.
func mustCreatePrincipal(ctx context.Context, t *testing.T, pool *pgxpool.Pool, schema string) string {
	t.Helper()

	id := newULID(t)
	vid := "VID-" + id[10:14] + "-" + id[14:18] + "-" + id[18:22]
	table := pgx.Identifier{schema, "principals"}.Sanitize()
	_, err := pool.Exec(ctx, `INSERT INTO `+table+` (id, vid, password_hash) VALUES ($1, $2, $3)`, id, vid, "!wallet-only")
	if err != nil {
		t.Fatalf("insert principal: %v", err)
	}
	return id
}
