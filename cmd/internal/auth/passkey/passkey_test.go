package passkey

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"vdid/cmd/identity"
	"vdid/cmd/identity/ids"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/score"
	"vdid/cmd/security/password"
)

const testOrigin = "http://localhost:8080"

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

	clk := &fakeClock{t: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
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

func (h *harness) mustPrincipal(t *testing.T, email string) identity.Principal {
	t.Helper()
	vid, err := ids.NewVID()
	if err != nil {
		t.Fatalf("NewVID: %v", err)
	}
	hash, err := password.LowCostConfig().Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	p, err := h.store.CreatePrincipal(context.Background(), identity.CreatePrincipalInput{
		VID:          vid,
		Email:        &email,
		PasswordHash: &hash,
		Now:          h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	return p
}

// authenticator is a software authenticator holding one credential.
type authenticator struct {
	alg     int64
	signer  crypto.Signer
	credID  []byte
	counter uint32
	rpID    string
	origin  string
}

func newAuthenticator(t *testing.T, alg webauthncose.COSEAlgorithmIdentifier) *authenticator {
	t.Helper()
	var (
		signer crypto.Signer
		err    error
	)
	switch alg {
	case webauthncose.AlgES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case webauthncose.AlgEdDSA:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	case webauthncose.AlgRS256:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return &authenticator{alg: int64(alg), signer: signer, credID: id, rpID: "localhost", origin: testOrigin}
}

func (a *authenticator) credentialID() string {
	return base64.RawURLEncoding.EncodeToString(a.credID)
}

func (a *authenticator) spki(t *testing.T) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(a.signer.Public())
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return der
}

func (a *authenticator) authData(flags byte) []byte {
	h := sha256.Sum256([]byte(a.rpID))
	out := make([]byte, 0, 37)
	out = append(out, h[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, a.counter)
	return out
}

func clientDataJSON(t *testing.T, typ protocol.CeremonyType, ch protocol.URLEncodedBase64, origin string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"type":      string(typ),
		"challenge": base64.RawURLEncoding.EncodeToString(ch),
		"origin":    origin,
	})
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}
	return b
}

func (a *authenticator) sign(t *testing.T, authData, clientData []byte) []byte {
	t.Helper()
	ch := sha256.Sum256(clientData)
	msg := append(append([]byte{}, authData...), ch[:]...)

	var (
		sig []byte
		err error
	)
	switch k := a.signer.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(k, msg)
	default:
		d := sha256.Sum256(msg)
		sig, err = a.signer.Sign(rand.Reader, d[:], crypto.SHA256)
	}
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

const flagsUPUV = byte(protocol.FlagUserPresent | protocol.FlagUserVerified)

func (a *authenticator) register(t *testing.T, opts protocol.PublicKeyCredentialCreationOptions) RegistrationInput {
	t.Helper()
	return RegistrationInput{
		CredentialID:      a.credentialID(),
		ClientDataJSON:    clientDataJSON(t, protocol.CreateCeremony, opts.Challenge, a.origin),
		AuthenticatorData: a.authData(flagsUPUV),
		PublicKey:         a.spki(t),
		Algorithm:         a.alg,
		Transports:        []string{"internal"},
		DeviceName:        "Test Device",
	}
}

func (a *authenticator) assert(t *testing.T, ch protocol.URLEncodedBase64, ceremonyID string) AssertionInput {
	t.Helper()
	a.counter++
	ad := a.authData(flagsUPUV)
	cd := clientDataJSON(t, protocol.AssertCeremony, ch, a.origin)
	return AssertionInput{
		CredentialID:      a.credentialID(),
		ClientDataJSON:    cd,
		AuthenticatorData: ad,
		Signature:         a.sign(t, ad, cd),
		CeremonyID:        ceremonyID,
		Device:            session.DeviceContext{Platform: session.PlatformWeb, IP: net.ParseIP("198.51.100.7")},
	}
}

func (h *harness) mustRegister(t *testing.T, p identity.Principal, a *authenticator) identity.Passkey {
	t.Helper()
	ctx := context.Background()
	opts, err := h.svc.RegistrationOptions(ctx, p.ID)
	if err != nil {
		t.Fatalf("RegistrationOptions: %v", err)
	}
	pk, err := h.svc.VerifyRegistration(ctx, p.ID, a.register(t, opts))
	if err != nil {
		t.Fatalf("VerifyRegistration: %v", err)
	}
	return pk
}

func TestRegistrationOptions(t *testing.T) {
	h := newHarness(t)
	p := h.mustPrincipal(t, "ada@example.com")

	opts, err := h.svc.RegistrationOptions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("RegistrationOptions: %v", err)
	}
	if opts.RelyingParty.ID != "localhost" || opts.RelyingParty.Name != "V-ID" {
		t.Fatalf("unexpected rp: %+v", opts.RelyingParty)
	}
	if opts.User.Name != "ada@example.com" || opts.User.DisplayName != p.VID {
		t.Fatalf("unexpected user: %+v", opts.User)
	}
	if len(opts.Challenge) != challenge.ValueBytes {
		t.Fatalf("challenge length: %d", len(opts.Challenge))
	}
	if opts.Timeout != 60000 {
		t.Fatalf("timeout: %d", opts.Timeout)
	}
	want := []webauthncose.COSEAlgorithmIdentifier{webauthncose.AlgES256, webauthncose.AlgEdDSA, webauthncose.AlgRS256}
	if len(opts.Parameters) != len(want) {
		t.Fatalf("parameters: %+v", opts.Parameters)
	}
	for i, alg := range want {
		if opts.Parameters[i].Algorithm != alg || opts.Parameters[i].Type != protocol.PublicKeyCredentialType {
			t.Fatalf("parameter %d: %+v", i, opts.Parameters[i])
		}
	}
	if len(opts.CredentialExcludeList) != 0 {
		t.Fatalf("expected empty exclude list")
	}

	a := newAuthenticator(t, webauthncose.AlgES256)
	h.mustRegister(t, p, a)

	opts, err = h.svc.RegistrationOptions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("RegistrationOptions: %v", err)
	}
	if len(opts.CredentialExcludeList) != 1 || base64.RawURLEncoding.EncodeToString(opts.CredentialExcludeList[0].CredentialID) != a.credentialID() {
		t.Fatalf("exclude list does not carry the registered credential: %+v", opts.CredentialExcludeList)
	}
}

func TestVerifyRegistration_StoresCredentialAndScores(t *testing.T) {
	for _, alg := range []webauthncose.COSEAlgorithmIdentifier{webauthncose.AlgES256, webauthncose.AlgEdDSA, webauthncose.AlgRS256} {
		h := newHarness(t)
		p := h.mustPrincipal(t, "grace@example.com")
		a := newAuthenticator(t, alg)

		pk := h.mustRegister(t, p, a)
		if pk.CredentialID != a.credentialID() || pk.SignCount != 0 || pk.Algorithm != int64(alg) || !pk.Active {
			t.Fatalf("alg %d: unexpected passkey: %+v", alg, pk)
		}

		got, err := h.store.GetPrincipal(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("GetPrincipal: %v", err)
		}
		if !got.PasskeyEnabled {
			t.Fatalf("alg %d: passkey not enabled on principal", alg)
		}
		if got.Scores.Trust != p.Scores.Trust+25 {
			t.Fatalf("alg %d: trust %d -> %d", alg, p.Scores.Trust, got.Scores.Trust)
		}
		if ev := h.audit.Find(audit.ActionPasskeyRegister); len(ev) != 1 || !ev[0].Success {
			t.Fatalf("alg %d: expected one successful register event, got %+v", alg, ev)
		}
	}
}

func TestVerifyRegistration_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, in *RegistrationInput, a *authenticator)
		check  func(error) bool
	}{
		{
			name: "wrong ceremony type",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				var cd map[string]string
				_ = json.Unmarshal(in.ClientDataJSON, &cd)
				cd["type"] = string(protocol.AssertCeremony)
				in.ClientDataJSON, _ = json.Marshal(cd)
			},
			check: identity.IsUnauthenticated,
		},
		{
			name: "foreign origin",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				var cd map[string]string
				_ = json.Unmarshal(in.ClientDataJSON, &cd)
				cd["origin"] = "https://evil.example"
				in.ClientDataJSON, _ = json.Marshal(cd)
			},
			check: identity.IsUnauthenticated,
		},
		{
			name: "unknown challenge",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.ClientDataJSON = clientDataJSON(t, protocol.CreateCeremony, make([]byte, challenge.ValueBytes), a.origin)
			},
			check: identity.IsUnauthenticated,
		},
		{
			name: "foreign rp id",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				a.rpID = "evil.example"
				in.AuthenticatorData = a.authData(flagsUPUV)
			},
			check: identity.IsUnauthenticated,
		},
		{
			name: "user not present",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.AuthenticatorData = a.authData(0)
			},
			check: identity.IsUnauthenticated,
		},
		{
			name: "key does not match algorithm",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.Algorithm = int64(webauthncose.AlgEdDSA)
			},
			check: identity.IsInvalidInput,
		},
		{
			name: "unsupported algorithm",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.Algorithm = -35
			},
			check: identity.IsInvalidInput,
		},
		{
			name: "malformed client data",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.ClientDataJSON = []byte("{")
			},
			check: identity.IsInvalidInput,
		},
		{
			name: "bad credential id",
			mutate: func(t *testing.T, in *RegistrationInput, a *authenticator) {
				in.CredentialID = "not base64!"
			},
			check: identity.IsInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.mustPrincipal(t, "linus@example.com")
			a := newAuthenticator(t, webauthncose.AlgES256)

			opts, err := h.svc.RegistrationOptions(ctx, p.ID)
			if err != nil {
				t.Fatalf("RegistrationOptions: %v", err)
			}
			in := a.register(t, opts)
			tt.mutate(t, &in, a)

			if _, err := h.svc.VerifyRegistration(ctx, p.ID, in); !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if list, _ := h.store.ListPasskeys(ctx, p.ID); len(list) != 0 {
				t.Fatalf("credential stored despite rejection")
			}
			if ev := h.audit.Find(audit.ActionPasskeyRegister); len(ev) != 1 || ev[0].Success || ev[0].Reason == "" {
				t.Fatalf("expected one failure event with reason, got %+v", ev)
			}
		})
	}
}

func TestVerifyRegistration_ChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.mustPrincipal(t, "barbara@example.com")

	opts, err := h.svc.RegistrationOptions(ctx, p.ID)
	if err != nil {
		t.Fatalf("RegistrationOptions: %v", err)
	}
	first := newAuthenticator(t, webauthncose.AlgES256)
	if _, err := h.svc.VerifyRegistration(ctx, p.ID, first.register(t, opts)); err != nil {
		t.Fatalf("VerifyRegistration: %v", err)
	}
	second := newAuthenticator(t, webauthncose.AlgES256)
	if _, err := h.svc.VerifyRegistration(ctx, p.ID, second.register(t, opts)); !identity.IsUnauthenticated(err) {
		t.Fatalf("expected replayed challenge to be rejected, got %v", err)
	}
}

func TestAuthenticate_KnownIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.mustPrincipal(t, "ken@example.com")
	a := newAuthenticator(t, webauthncose.AlgES256)
	h.mustRegister(t, p, a)

	opts, err := h.svc.AuthenticationOptions(ctx, "KEN@example.com")
	if err != nil {
		t.Fatalf("AuthenticationOptions: %v", err)
	}
	if opts.RelyingPartyID != "localhost" || len(opts.AllowCredentials) != 1 || opts.CeremonyID == "" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	before, _ := h.store.GetPrincipal(ctx, p.ID)
	res, err := h.svc.VerifyAuthentication(ctx, a.assert(t, opts.Challenge, opts.CeremonyID))
	if err != nil {
		t.Fatalf("VerifyAuthentication: %v", err)
	}
	if res.Principal.ID != p.ID || res.Passkey.SignCount != 1 || res.Passkey.UseCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Principal.LastLoginAt == nil {
		t.Fatalf("last login not set")
	}
	if res.Principal.Scores.Activity != before.Scores.Activity+2 {
		t.Fatalf("activity %d -> %d", before.Scores.Activity, res.Principal.Scores.Activity)
	}

	claims, err := h.sessions.VerifyAccess(ctx, res.Issued.AccessToken, h.clock.Now())
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.PrincipalID != p.ID {
		t.Fatalf("session subject mismatch: %+v", claims)
	}
	if ev := h.audit.Find(audit.ActionPasskeyLogin); len(ev) != 1 || !ev[0].Success || ev[0].SessionID != res.Issued.SessionID {
		t.Fatalf("unexpected login events: %+v", ev)
	}

	// The same assertion cannot be replayed.
	a.counter--
	if _, err := h.svc.VerifyAuthentication(ctx, a.assert(t, opts.Challenge, opts.CeremonyID)); !identity.IsUnauthenticated(err) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestAuthenticate_DiscoverableAndUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.mustPrincipal(t, "margaret@example.com")
	a := newAuthenticator(t, webauthncose.AlgEdDSA)
	h.mustRegister(t, p, a)

	known, err := h.svc.AuthenticationOptions(ctx, "margaret@example.com")
	if err != nil {
		t.Fatalf("AuthenticationOptions: %v", err)
	}
	unknown, err := h.svc.AuthenticationOptions(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("AuthenticationOptions: %v", err)
	}
	if len(unknown.AllowCredentials) != 0 || unknown.AllowCredentials == nil || unknown.CeremonyID == "" {
		t.Fatalf("unknown identity must get an empty allow-list and a ceremony id: %+v", unknown)
	}
	if len(unknown.Challenge) != len(known.Challenge) || unknown.Timeout != known.Timeout {
		t.Fatalf("known and unknown options differ in shape")
	}

	empty, err := h.svc.AuthenticationOptions(ctx, "")
	if err != nil {
		t.Fatalf("AuthenticationOptions: %v", err)
	}
	in := a.assert(t, empty.Challenge, empty.CeremonyID)
	in.UserHandle = []byte(p.ID)
	if _, err := h.svc.VerifyAuthentication(ctx, in); err != nil {
		t.Fatalf("discoverable VerifyAuthentication: %v", err)
	}

	other := h.mustPrincipal(t, "edsger@example.com")
	opts, _ := h.svc.AuthenticationOptions(ctx, "")
	in = a.assert(t, opts.Challenge, opts.CeremonyID)
	in.UserHandle = []byte(other.ID)
	if _, err := h.svc.VerifyAuthentication(ctx, in); !identity.IsUnauthenticated(err) {
		t.Fatalf("expected user handle mismatch rejection, got %v", err)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions)
	}{
		{
			name: "unknown credential",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				in.CredentialID = base64.RawURLEncoding.EncodeToString([]byte("unregistered"))
			},
		},
		{
			name: "bad signature",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				in.Signature[len(in.Signature)-1] ^= 0xff
			},
		},
		{
			name: "signature by another key",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				b := newAuthenticator(t, webauthncose.AlgES256)
				in.Signature = b.sign(t, in.AuthenticatorData, in.ClientDataJSON)
			},
		},
		{
			name: "counter regressed",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				// Advance the stored counter past the one this assertion carries.
				if err := h.store.RecordPasskeyUse(ctx, a.credentialID(), 0, 9, h.clock.Now()); err != nil {
					t.Fatalf("RecordPasskeyUse: %v", err)
				}
			},
		},
		{
			name: "registration ceremony type",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				in.ClientDataJSON = clientDataJSON(t, protocol.CreateCeremony, opts.Challenge, a.origin)
				in.Signature = a.sign(t, in.AuthenticatorData, in.ClientDataJSON)
			},
		},
		{
			name: "expired challenge",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				h.clock.Advance(DefaultConfig().ChallengeTTL + time.Second)
			},
		},
		{
			name: "suspended principal",
			mutate: func(t *testing.T, h *harness, in *AssertionInput, a *authenticator, opts AuthenticationOptions) {
				pk, _ := h.store.GetPasskeyByCredentialID(ctx, a.credentialID())
				if err := h.store.SetStatus(ctx, pk.PrincipalID, identity.StatusSuspended, h.clock.Now()); err != nil {
					t.Fatalf("SetStatus: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.mustPrincipal(t, "alan@example.com")
			a := newAuthenticator(t, webauthncose.AlgES256)
			h.mustRegister(t, p, a)

			opts, err := h.svc.AuthenticationOptions(ctx, "alan@example.com")
			if err != nil {
				t.Fatalf("AuthenticationOptions: %v", err)
			}
			in := a.assert(t, opts.Challenge, opts.CeremonyID)
			tt.mutate(t, h, &in, a, opts)

			_, err = h.svc.VerifyAuthentication(ctx, in)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if !identity.IsUnauthenticated(err) && !identity.IsNotActive(err) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			if ev := h.audit.Find(audit.ActionPasskeyLogin); len(ev) != 1 || ev[0].Success {
				t.Fatalf("expected one failure event, got %+v", ev)
			}
		})
	}
}

func TestAuthenticate_ForgedAssertionKeepsChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.mustPrincipal(t, "frances@example.com")
	a := newAuthenticator(t, webauthncose.AlgES256)
	h.mustRegister(t, p, a)

	opts, err := h.svc.AuthenticationOptions(ctx, "frances@example.com")
	if err != nil {
		t.Fatalf("AuthenticationOptions: %v", err)
	}
	forged := a.assert(t, opts.Challenge, opts.CeremonyID)
	forged.Signature = newAuthenticator(t, webauthncose.AlgES256).sign(t, forged.AuthenticatorData, forged.ClientDataJSON)
	if _, err := h.svc.VerifyAuthentication(ctx, forged); !identity.IsUnauthenticated(err) {
		t.Fatalf("expected forged assertion rejected, got %v", err)
	}
	if _, err := h.svc.VerifyAuthentication(ctx, a.assert(t, opts.Challenge, opts.CeremonyID)); err != nil {
		t.Fatalf("legitimate assertion after forgery: %v", err)
	}
}

func TestZeroCounterAuthenticatorsAreAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.mustPrincipal(t, "radia@example.com")
	a := newAuthenticator(t, webauthncose.AlgEdDSA)
	h.mustRegister(t, p, a)

	for i := 0; i < 2; i++ {
		opts, err := h.svc.AuthenticationOptions(ctx, p.VID)
		if err != nil {
			t.Fatalf("AuthenticationOptions: %v", err)
		}
		in := a.assert(t, opts.Challenge, opts.CeremonyID)
		a.counter = 0
		in.AuthenticatorData = a.authData(flagsUPUV)
		in.Signature = a.sign(t, in.AuthenticatorData, in.ClientDataJSON)
		if _, err := h.svc.VerifyAuthentication(ctx, in); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
}

func TestDelete_GuardsLastMethod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p := h.mustPrincipal(t, "john@example.com")
	a := newAuthenticator(t, webauthncose.AlgES256)
	h.mustRegister(t, p, a)

	if err := h.svc.Delete(ctx, p.ID, a.credentialID()); err != nil {
		t.Fatalf("Delete with password fallback: %v", err)
	}
	if list, _ := h.svc.List(ctx, p.ID); len(list) != 0 {
		t.Fatalf("passkey still listed")
	}

	// A principal whose only method is a passkey cannot delete it.
	vid, err := ids.NewVID()
	if err != nil {
		t.Fatalf("NewVID: %v", err)
	}
	email := "solo@example.com"
	marker := identity.WalletOnlyPasswordMarker
	wallet := &identity.WalletIdentity{Address: "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", ChainID: 1, ChainName: "Ethereum", VerifiedAt: h.clock.Now()}
	solo, err := h.store.CreatePrincipal(ctx, identity.CreatePrincipalInput{VID: vid, Email: &email, PasswordHash: &marker, Wallet: wallet, Now: h.clock.Now()})
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	b := newAuthenticator(t, webauthncose.AlgES256)
	h.mustRegister(t, solo, b)
	if err := h.store.DeleteWallet(ctx, solo.ID, wallet.Address, h.clock.Now()); err != nil {
		t.Fatalf("DeleteWallet: %v", err)
	}

	err = h.svc.Delete(ctx, solo.ID, b.credentialID())
	if f, ok := identity.ConflictField(err); !ok || f != "last_auth_method" {
		t.Fatalf("expected last_auth_method conflict, got %v", err)
	}
	ev := h.audit.Find(audit.ActionPasskeyDelete)
	if len(ev) != 2 || !ev[0].Success || ev[1].Success || ev[1].Reason != "last_auth_method" {
		t.Fatalf("unexpected delete events: %+v", ev)
	}

	if err := h.svc.Delete(ctx, p.ID, b.credentialID()); !identity.IsNotFound(err) {
		t.Fatalf("expected not found for foreign credential, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"missing rp id", func(c *Config) { c.RPID = "" }, false},
		{"no origins", func(c *Config) { c.Origins = nil }, false},
		{"origin with path", func(c *Config) { c.Origins = []string{"https://id.example.com/login"} }, false},
		{"challenge shorter than timeout", func(c *Config) { c.ChallengeTTL = time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("VDID_WEBAUTHN_RP_ID", "id.example.com")
	t.Setenv("VDID_WEBAUTHN_ORIGINS", "https://id.example.com, https://app.example.com")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.RPID != "id.example.com" || len(cfg.Origins) != 2 || cfg.Origins[1] != "https://app.example.com" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
