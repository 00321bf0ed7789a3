package wallet

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/score"
)

const otherPrivateKeyHex = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc      *Service
	store    *identity.MemoryStore
	sessions *session.Service
	audit    *audit.MemoryRecorder
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	store := identity.NewMemoryStore()
	rec := audit.NewMemoryRecorder()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = session.GenerateSecretKeyHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	sessions := session.NewService(scfg, session.NewMemoryStore(), tokens)

	svc, err := NewService(DefaultConfig(), Deps{
		Store:      store,
		Challenges: challenge.NewMemoryStore(clk.Now),
		Sessions:   sessions,
		Scores:     score.NewEngine(store, score.WithClock(clk.Now)),
		Audit:      rec,
		Now:        clk.Now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &harness{svc: svc, store: store, sessions: sessions, audit: rec, clock: clk}
}

// signIn runs nonce + sign and returns the verify input for privateKeyHex.
func (h *harness) signedInput(t *testing.T, privateKeyHex string, chainID int64) VerifyInput {
	t.Helper()
	addr, _ := signPersonal(t, privateKeyHex, "address lookup")
	n, err := h.svc.Nonce(context.Background(), strings.ToLower(addr), chainID)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	_, sig := signPersonal(t, privateKeyHex, n.Message)
	return VerifyInput{
		Address:   addr,
		Signature: sig,
		Message:   n.Message,
		ChainID:   chainID,
		Device:    session.DeviceContext{Platform: session.PlatformWeb, IP: net.ParseIP("192.0.2.10")},
	}
}

func TestNonce_NormalizesAndRendersMessage(t *testing.T) {
	h := newHarness(t)

	n, err := h.svc.Nonce(context.Background(), "0xd8da6bf26964af9d7eed9e03e53415d37aa96045", 0)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	if n.Address != "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045" {
		t.Fatalf("address not checksummed: %s", n.Address)
	}
	if len(n.Nonce) != 2*challenge.ValueBytes {
		t.Fatalf("unexpected nonce length: %d", len(n.Nonce))
	}
	if !n.ExpiresAt.Equal(h.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", n.ExpiresAt)
	}

	p, err := ParseMessage(n.Message)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if p.Nonce != n.Nonce || p.ChainID != DefaultChainID || p.Address != n.Address || !p.ExpirationTime.Equal(n.ExpiresAt) {
		t.Fatalf("message does not carry the nonce: %+v", p)
	}

	if _, err := h.svc.Nonce(context.Background(), "0x1234", 1); !identity.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for short address, got %v", err)
	}
}

func TestAuthenticate_NewThenReturningUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.Authenticate(ctx, h.signedInput(t, testPrivateKeyHex, 8453))
	if err != nil {
		t.Fatalf("Authenticate first: %v", err)
	}
	if !first.IsNewUser {
		t.Fatalf("expected new user")
	}
	p := first.Principal
	if p.Scores.Activity != 50 || !p.WalletVerified || p.HasPassword() {
		t.Fatalf("unexpected new principal: %+v", p)
	}
	addr, _ := signPersonal(t, testPrivateKeyHex, "address lookup")
	if p.DID == nil || *p.DID != "did:vid:base:"+strings.TrimPrefix(addr, "0x") {
		t.Fatalf("unexpected DID: %v", p.DID)
	}
	if !first.Wallet.IsPrimary || first.Wallet.ChainID != 8453 || first.Wallet.ChainName != "Base" {
		t.Fatalf("unexpected wallet: %+v", first.Wallet)
	}
	hist, err := h.store.ListScoreHistory(ctx, p.ID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListScoreHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].ActionKey != "WALLET_CONNECTED" || hist[0].PreviousTotal != 0 {
		t.Fatalf("expected the connect bonus written with the principal, got %+v", hist)
	}
	if _, err := h.sessions.VerifyAccess(ctx, first.Issued.AccessToken, h.clock.Now()); err != nil {
		t.Fatalf("issued access token must verify: %v", err)
	}

	h.clock.Advance(time.Minute)
	second, err := h.svc.Authenticate(ctx, h.signedInput(t, testPrivateKeyHex, 8453))
	if err != nil {
		t.Fatalf("Authenticate second: %v", err)
	}
	if second.IsNewUser || second.Principal.ID != p.ID {
		t.Fatalf("expected returning user %s, got %+v", p.ID, second)
	}
	if second.Principal.Scores.Activity != 52 {
		t.Fatalf("expected wallet login bonus, got %+v", second.Principal.Scores)
	}
	w, err := h.store.GetWalletByAddress(ctx, addr)
	if err != nil {
		t.Fatalf("GetWalletByAddress: %v", err)
	}
	if w.LastUsedAt == nil || !w.LastUsedAt.Equal(h.clock.Now()) {
		t.Fatalf("wallet login not recorded: %+v", w)
	}

	if n := len(h.audit.Find(audit.ActionWalletVerify)); n != 2 {
		t.Fatalf("expected 2 verify audit events, got %d", n)
	}
}

func TestAuthenticate_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in := h.signedInput(t, testPrivateKeyHex, 1)
	if _, err := h.svc.Authenticate(ctx, in); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, in); !identity.IsUnauthenticated(err) {
		t.Fatalf("expected unauthenticated on replay, got %v", err)
	}
	fails := h.audit.Find(audit.ActionWalletVerify)
	last := fails[len(fails)-1]
	if last.Success || last.Reason != "nonce_rejected" {
		t.Fatalf("expected nonce_rejected audit, got %+v", last)
	}
}

func TestAuthenticate_ForgedSignatureKeepsNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in := h.signedInput(t, testPrivateKeyHex, 1)
	forged := in
	_, forged.Signature = signPersonal(t, otherPrivateKeyHex, in.Message)

	_, err := h.svc.Authenticate(ctx, forged)
	if !identity.IsUnauthenticated(err) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if strings.Contains(err.Error(), "signature") {
		t.Fatalf("error must not reveal the failing factor: %v", err)
	}

	// The legitimate holder can still use the nonce.
	if _, err := h.svc.Authenticate(ctx, in); err != nil {
		t.Fatalf("Authenticate after forged attempt: %v", err)
	}
}

func TestAuthenticate_MessageChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t)
		in := h.signedInput(t, testPrivateKeyHex, 1)
		h.clock.Advance(11 * time.Minute)
		if _, err := h.svc.Authenticate(ctx, in); !identity.IsUnauthenticated(err) {
			t.Fatalf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("chain mismatch", func(t *testing.T) {
		h := newHarness(t)
		in := h.signedInput(t, testPrivateKeyHex, 1)
		in.ChainID = 137
		if _, err := h.svc.Authenticate(ctx, in); !identity.IsUnauthenticated(err) {
			t.Fatalf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("foreign domain", func(t *testing.T) {
		h := newHarness(t)
		in := h.signedInput(t, testPrivateKeyHex, 1)
		p, err := ParseMessage(in.Message)
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		p.Domain = "evil.example.com"
		in.Message = CreateMessage(p)
		_, in.Signature = signPersonal(t, testPrivateKeyHex, in.Message)
		if _, err := h.svc.Authenticate(ctx, in); !identity.IsUnauthenticated(err) {
			t.Fatalf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("address mismatch", func(t *testing.T) {
		h := newHarness(t)
		in := h.signedInput(t, testPrivateKeyHex, 1)
		in.Address, _ = signPersonal(t, otherPrivateKeyHex, "address lookup")
		if _, err := h.svc.Authenticate(ctx, in); !identity.IsUnauthenticated(err) {
			t.Fatalf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("malformed signature", func(t *testing.T) {
		h := newHarness(t)
		in := h.signedInput(t, testPrivateKeyHex, 1)
		in.Signature = "0xdeadbeef"
		_, err := h.svc.Authenticate(ctx, in)
		fe, ok := identity.AsFieldError(err)
		if !ok || fe.Field != "signature" {
			t.Fatalf("expected signature field error, got %v", err)
		}
	})
}

func TestAuthenticate_SuspendedPrincipal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.Authenticate(ctx, h.signedInput(t, testPrivateKeyHex, 1))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.store.SetStatus(ctx, res.Principal.ID, identity.StatusSuspended, h.clock.Now()); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, h.signedInput(t, testPrivateKeyHex, 1)); !identity.IsNotActive(err) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestLinkAndUnbind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.Authenticate(ctx, h.signedInput(t, testPrivateKeyHex, 1))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	pid := res.Principal.ID

	linked, err := h.svc.Link(ctx, pid, h.signedInput(t, otherPrivateKeyHex, 10))
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if linked.IsPrimary || linked.ChainName != "Optimism" {
		t.Fatalf("unexpected linked wallet: %+v", linked)
	}

	// The same address cannot be linked twice.
	if _, err := h.svc.Link(ctx, pid, h.signedInput(t, otherPrivateKeyHex, 10)); !identity.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	wallets, err := h.svc.Wallets(ctx, pid)
	if err != nil || len(wallets) != 2 || !wallets[0].IsPrimary {
		t.Fatalf("Wallets: %v %+v", err, wallets)
	}

	if err := h.svc.Unbind(ctx, pid, res.Wallet.Address); err != nil {
		t.Fatalf("Unbind primary: %v", err)
	}
	err = h.svc.Unbind(ctx, pid, linked.Address)
	if f, _ := identity.ConflictField(err); f != "last_auth_method" {
		t.Fatalf("expected last_auth_method conflict, got %v", err)
	}

	p, err := h.store.GetPrincipal(ctx, pid)
	if err != nil {
		t.Fatalf("GetPrincipal: %v", err)
	}
	if p.WalletAddress == nil || !strings.EqualFold(*p.WalletAddress, linked.Address) {
		t.Fatalf("remaining wallet must be promoted: %+v", p.WalletAddress)
	}

	unbinds := h.audit.Find(audit.ActionWalletUnbind)
	if len(unbinds) != 2 || !unbinds[0].Success || unbinds[1].Reason != "last_auth_method" {
		t.Fatalf("unexpected unbind audit: %+v", unbinds)
	}
}

func TestNewService_RequiresDeps(t *testing.T) {
	if _, err := NewService(DefaultConfig(), Deps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
	bad := DefaultConfig()
	bad.NonceTTL = 0
	if _, err := NewService(bad, Deps{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
