// Package passkey implements WebAuthn registration and assertion for V-ID.
//
// Attestation statements are not verified; the relying party trusts the
// SubjectPublicKeyInfo reported by the browser at registration time.
package passkey

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/score"
	"vdid/cmd/vscore"
)

// Store is the identity persistence the passkey flows need.
type Store interface {
	identity.PrincipalStore
	identity.PasskeyStore
}

// Sessions issues a session for a verified principal.
type Sessions interface {
	IssueSession(ctx context.Context, now time.Time, sub session.Subject, dev session.DeviceContext) (session.Issued, error)
}

// Scorer applies system reputation actions.
type Scorer interface {
	Apply(ctx context.Context, principalID, actionKey string) (score.Outcome, error)
}

// Service runs the WebAuthn ceremonies.
type Service struct {
	cfg        Config
	store      Store
	challenges challenge.Store
	sessions   Sessions
	scores     Scorer
	audit      audit.Recorder
	log        *slog.Logger
	now        func() time.Time
	rpIDHash   [32]byte
}

// Deps are the collaborators of Service.
type Deps struct {
	Store      Store
	Challenges challenge.Store
	Sessions   Sessions
	Scores     Scorer
	Audit      audit.Recorder
	Log        *slog.Logger
	Now        func() time.Time
}

// NewService builds a Service. Store, Challenges and Sessions are required.
func NewService(cfg Config, d Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Store == nil || d.Challenges == nil || d.Sessions == nil {
		return nil, errors.New("passkey: missing dependency")
	}
	s := &Service{
		cfg:        cfg,
		store:      d.Store,
		challenges: d.Challenges,
		sessions:   d.Sessions,
		scores:     d.Scores,
		audit:      d.Audit,
		log:        d.Log,
		now:        d.Now,
		rpIDHash:   sha256.Sum256([]byte(cfg.RPID)),
	}
	if s.audit == nil {
		s.audit = audit.Nop
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// RegistrationOptions returns creation options for an authenticated principal.
// Credentials the principal already owns are excluded.
func (s *Service) RegistrationOptions(ctx context.Context, principalID string) (protocol.PublicKeyCredentialCreationOptions, error) {
	p, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return protocol.PublicKeyCredentialCreationOptions{}, err
	}
	existing, err := s.store.ListPasskeys(ctx, p.ID)
	if err != nil {
		return protocol.PublicKeyCredentialCreationOptions{}, err
	}

	raw, err := s.issue(ctx, challenge.PasskeyRegistrationKey(p.ID))
	if err != nil {
		return protocol.PublicKeyCredentialCreationOptions{}, err
	}

	name := p.VID
	if p.Email != nil {
		name = *p.Email
	}
	params := make([]protocol.CredentialParameter, 0, len(Algorithms))
	for _, alg := range Algorithms {
		params = append(params, protocol.CredentialParameter{Type: protocol.PublicKeyCredentialType, Algorithm: alg})
	}

	return protocol.PublicKeyCredentialCreationOptions{
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: s.cfg.RPName},
			ID:               s.cfg.RPID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: name},
			DisplayName:      p.VID,
			ID:               protocol.URLEncodedBase64(p.ID),
		},
		Challenge:             protocol.URLEncodedBase64(raw),
		Parameters:            params,
		Timeout:               int(s.cfg.Timeout / time.Millisecond),
		CredentialExcludeList: descriptors(existing),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Attestation: protocol.PreferNoAttestation,
	}, nil
}

// RegistrationInput is the browser's response to a creation ceremony.
type RegistrationInput struct {
	// CredentialID is base64url.
	CredentialID      string
	ClientDataJSON    []byte
	AuthenticatorData []byte
	// PublicKey is the DER SubjectPublicKeyInfo from getPublicKey().
	PublicKey  []byte
	Algorithm  int64
	Transports []string
	DeviceName string
	Device     session.DeviceContext
}

// VerifyRegistration checks a creation response and stores the credential.
func (s *Service) VerifyRegistration(ctx context.Context, principalID string, in RegistrationInput) (identity.Passkey, error) {
	const op = "passkey.VerifyRegistration"

	credID, err := normalizeCredentialID(op, in.CredentialID)
	if err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, "bad_credential_id", in.Device)
		return identity.Passkey{}, err
	}
	if _, err := parsePublicKey(in.Algorithm, in.PublicKey); err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, "bad_public_key", in.Device)
		if errors.Is(err, errUnsupportedAlgorithm) {
			return identity.Passkey{}, identity.FieldError{Op: op, Field: "algorithm", Reason: "unsupported"}
		}
		return identity.Passkey{}, identity.FieldError{Op: op, Field: "public_key", Reason: "does not match algorithm"}
	}

	cd, reason, err := s.clientData(op, in.ClientDataJSON, protocol.CreateCeremony)
	if err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, reason, in.Device)
		return identity.Passkey{}, err
	}
	ad, reason, err := s.authenticatorData(op, in.AuthenticatorData)
	if err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, reason, in.Device)
		return identity.Passkey{}, err
	}
	if len(ad.AttData.CredentialID) > 0 && base64.RawURLEncoding.EncodeToString(ad.AttData.CredentialID) != credID {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, "credential_mismatch", in.Device)
		return identity.Passkey{}, identity.Unauthenticated(op)
	}

	if reason, err := s.consume(ctx, op, challenge.PasskeyRegistrationKey(principalID), cd.Challenge); err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, reason, in.Device)
		return identity.Passkey{}, err
	}

	now := s.now()
	pk, err := s.store.CreatePasskey(ctx, identity.Passkey{
		PrincipalID:  principalID,
		CredentialID: credID,
		PublicKey:    in.PublicKey,
		Algorithm:    in.Algorithm,
		SignCount:    0,
		DeviceName:   in.DeviceName,
		Transports:   in.Transports,
		CreatedAt:    now,
	})
	if err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyRegister, principalID, "store", in.Device)
		return identity.Passkey{}, err
	}

	s.applyScore(ctx, principalID, vscore.ActionPasskeyAdded)
	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionPasskeyRegister,
		Method:      audit.MethodPasskey,
		Success:     true,
		PrincipalID: principalID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		Meta:        map[string]any{"credential_id": credID, "algorithm": in.Algorithm},
		At:          now,
	})
	return pk, nil
}

// AuthenticationOptions are request options plus the ceremony id the client
// echoes back. The shape is identical whether or not the identifier is known.
type AuthenticationOptions struct {
	Challenge        protocol.URLEncodedBase64            `json:"challenge"`
	Timeout          int                                  `json:"timeout"`
	RelyingPartyID   string                               `json:"rpId"`
	AllowCredentials []protocol.CredentialDescriptor      `json:"allowCredentials"`
	UserVerification protocol.UserVerificationRequirement `json:"userVerification"`
	CeremonyID       string                               `json:"ceremonyId"`
}

// AuthenticationOptions issues an assertion challenge. identifier may be an
// email, a VID or empty (discoverable credentials). Unknown or inactive
// identities get a challenge under a throwaway key and an empty allow-list.
func (s *Service) AuthenticationOptions(ctx context.Context, identifier string) (AuthenticationOptions, error) {
	ceremonyID, err := challenge.NewValue()
	if err != nil {
		return AuthenticationOptions{}, err
	}

	key := challenge.PasskeyCeremonyKey(ceremonyID)
	allow := []protocol.CredentialDescriptor{}

	p, ok, err := s.resolve(ctx, identifier)
	if err != nil {
		return AuthenticationOptions{}, err
	}
	if ok {
		list, err := s.store.ListPasskeys(ctx, p.ID)
		if err != nil {
			return AuthenticationOptions{}, err
		}
		key = challenge.PasskeyAuthKey(p.ID)
		allow = descriptors(list)
	}

	raw, err := s.issue(ctx, key)
	if err != nil {
		return AuthenticationOptions{}, err
	}
	return AuthenticationOptions{
		Challenge:        protocol.URLEncodedBase64(raw),
		Timeout:          int(s.cfg.Timeout / time.Millisecond),
		RelyingPartyID:   s.cfg.RPID,
		AllowCredentials: allow,
		UserVerification: protocol.VerificationPreferred,
		CeremonyID:       ceremonyID,
	}, nil
}

func (s *Service) resolve(ctx context.Context, identifier string) (identity.Principal, bool, error) {
	identifier = strings.TrimSpace(identifier)
	var (
		p   identity.Principal
		err error
	)
	switch {
	case identifier == "":
		return identity.Principal{}, false, nil
	case strings.Contains(identifier, "@"):
		p, err = s.store.GetPrincipalByEmail(ctx, identity.NormalizeEmail(identifier))
	case strings.HasPrefix(strings.ToUpper(identifier), "VID-"):
		p, err = s.store.GetPrincipalByVID(ctx, strings.ToUpper(identifier))
	default:
		return identity.Principal{}, false, nil
	}
	if identity.IsNotFound(err) {
		return identity.Principal{}, false, nil
	}
	if err != nil {
		return identity.Principal{}, false, err
	}
	if !p.Active() {
		return identity.Principal{}, false, nil
	}
	return p, true, nil
}

// AssertionInput is the browser's response to an assertion ceremony.
type AssertionInput struct {
	CredentialID      string
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	// UserHandle, when present, must be the owner's user handle.
	UserHandle []byte
	CeremonyID string
	Device     session.DeviceContext
}

// AuthResult is the outcome of a passkey sign-in.
type AuthResult struct {
	Principal identity.Principal
	Passkey   identity.Passkey
	Issued    session.Issued
}

// VerifyAuthentication checks an assertion and signs the owner in.
func (s *Service) VerifyAuthentication(ctx context.Context, in AssertionInput) (AuthResult, error) {
	const op = "passkey.VerifyAuthentication"

	credID, err := normalizeCredentialID(op, in.CredentialID)
	if err != nil {
		s.recordFailure(ctx, audit.ActionPasskeyLogin, "", "bad_credential_id", in.Device)
		return AuthResult{}, err
	}
	pk, err := s.store.GetPasskeyByCredentialID(ctx, credID)
	if err != nil {
		if identity.IsNotFound(err) {
			s.recordFailure(ctx, audit.ActionPasskeyLogin, "", "unknown_credential", in.Device)
			return AuthResult{}, identity.Unauthenticated(op)
		}
		return AuthResult{}, err
	}
	fail := func(reason string, err error) (AuthResult, error) {
		s.recordFailure(ctx, audit.ActionPasskeyLogin, pk.PrincipalID, reason, in.Device)
		return AuthResult{}, err
	}
	if !pk.Active {
		return fail("credential_inactive", identity.Unauthenticated(op))
	}
	if len(in.UserHandle) > 0 && string(in.UserHandle) != pk.PrincipalID {
		return fail("user_handle_mismatch", identity.Unauthenticated(op))
	}
	p, err := s.store.GetPrincipal(ctx, pk.PrincipalID)
	if err != nil {
		return AuthResult{}, err
	}
	if !p.Active() {
		return fail("not_active", identity.OpError{Op: op, Kind: identity.ErrNotActive})
	}

	cd, reason, err := s.clientData(op, in.ClientDataJSON, protocol.AssertCeremony)
	if err != nil {
		return fail(reason, err)
	}
	ad, reason, err := s.authenticatorData(op, in.AuthenticatorData)
	if err != nil {
		return fail(reason, err)
	}
	if err := verifyAssertion(pk.Algorithm, pk.PublicKey, in.AuthenticatorData, in.ClientDataJSON, in.Signature); err != nil {
		return fail("bad_signature", identity.Unauthenticated(op))
	}

	reason, err = s.consume(ctx, op, challenge.PasskeyAuthKey(pk.PrincipalID), cd.Challenge)
	if err != nil && in.CeremonyID != "" && identity.IsUnauthenticated(err) {
		reason, err = s.consume(ctx, op, challenge.PasskeyCeremonyKey(in.CeremonyID), cd.Challenge)
	}
	if err != nil {
		return fail(reason, err)
	}

	// Counters that never advance (both zero) are allowed; anything else must grow.
	next := ad.Counter
	if (next != 0 || pk.SignCount != 0) && next <= pk.SignCount {
		return fail("counter_regressed", identity.Unauthenticated(op))
	}

	now := s.now()
	if err := s.store.RecordPasskeyUse(ctx, credID, pk.SignCount, next, now); err != nil {
		if identity.IsStale(err) || identity.IsNotFound(err) {
			return fail("counter_raced", identity.Unauthenticated(op))
		}
		return AuthResult{}, err
	}
	pk.SignCount = next
	pk.UseCount++
	pk.LastUsedAt = &now

	if err := s.store.TouchLogin(ctx, p.ID, now); err != nil {
		return AuthResult{}, err
	}
	p.LastLoginAt = &now

	issued, err := s.sessions.IssueSession(ctx, now, subjectOf(p), in.Device)
	if err != nil {
		return AuthResult{}, err
	}
	if out, ok := s.applyScore(ctx, p.ID, vscore.ActionPasskeyLogin); ok {
		p.Scores, p.TotalScore, p.Level = out.Scores, out.Total, out.Level
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionPasskeyLogin,
		Method:      audit.MethodPasskey,
		Success:     true,
		PrincipalID: p.ID,
		SessionID:   issued.SessionID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		Meta:        map[string]any{"credential_id": credID, "sign_count": next},
		At:          now,
	})
	return AuthResult{Principal: p, Passkey: pk, Issued: issued}, nil
}

// List returns the principal's passkeys, oldest first.
func (s *Service) List(ctx context.Context, principalID string) ([]identity.Passkey, error) {
	return s.store.ListPasskeys(ctx, principalID)
}

// Delete removes one of the principal's passkeys. It refuses to remove the
// last authentication method.
func (s *Service) Delete(ctx context.Context, principalID, credentialID string) error {
	const op = "passkey.Delete"

	credID, err := normalizeCredentialID(op, credentialID)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.store.DeletePasskey(ctx, principalID, credID, now)
	ev := audit.Event{
		Action:      audit.ActionPasskeyDelete,
		Method:      audit.MethodPasskey,
		Success:     err == nil,
		PrincipalID: principalID,
		Meta:        map[string]any{"credential_id": credID},
		At:          now,
	}
	if err != nil {
		ev.Reason = "store"
		if f, _ := identity.ConflictField(err); f == "last_auth_method" {
			ev.Reason = "last_auth_method"
		} else if identity.IsNotFound(err) {
			ev.Reason = "not_found"
		}
	}
	s.audit.Record(ctx, ev)
	return err
}

// issue stores a fresh challenge under key and returns its raw bytes.
func (s *Service) issue(ctx context.Context, key string) ([]byte, error) {
	ch, err := s.challenges.Issue(ctx, key, s.cfg.ChallengeTTL)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(ch.Value)
}

// consume checks the base64url challenge echoed in client data against key.
func (s *Service) consume(ctx context.Context, op, key, echoed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(echoed, "="))
	if err != nil || len(raw) != challenge.ValueBytes {
		return "challenge_rejected", identity.Unauthenticated(op)
	}
	err = s.challenges.Consume(ctx, key, hex.EncodeToString(raw))
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, challenge.ErrExpired), errors.Is(err, challenge.ErrMismatch):
		return "challenge_rejected", identity.Unauthenticated(op)
	default:
		return "challenge_store", err
	}
}

func (s *Service) clientData(op string, raw []byte, want protocol.CeremonyType) (protocol.CollectedClientData, string, error) {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return cd, "malformed_client_data", identity.FieldError{Op: op, Field: "clientDataJSON", Reason: "malformed"}
	}
	if cd.Type != want {
		return cd, "ceremony_mismatch", identity.Unauthenticated(op)
	}
	if !s.cfg.allowedOrigin(cd.Origin) {
		return cd, "origin_mismatch", identity.Unauthenticated(op)
	}
	return cd, "", nil
}

func (s *Service) authenticatorData(op string, raw []byte) (protocol.AuthenticatorData, string, error) {
	var ad protocol.AuthenticatorData
	if err := ad.Unmarshal(raw); err != nil {
		return ad, "malformed_authenticator_data", identity.FieldError{Op: op, Field: "authenticatorData", Reason: "malformed"}
	}
	if len(ad.RPIDHash) != len(s.rpIDHash) || string(ad.RPIDHash) != string(s.rpIDHash[:]) {
		return ad, "rp_id_mismatch", identity.Unauthenticated(op)
	}
	if ad.Flags&protocol.FlagUserPresent == 0 {
		return ad, "user_not_present", identity.Unauthenticated(op)
	}
	return ad, "", nil
}

func (s *Service) applyScore(ctx context.Context, principalID, action string) (score.Outcome, bool) {
	if s.scores == nil {
		return score.Outcome{}, false
	}
	out, err := s.scores.Apply(ctx, principalID, action)
	if err != nil {
		s.log.Warn("auth.passkey.score.fail", "principal_id", principalID, "action", action, "err", err)
		return score.Outcome{}, false
	}
	return out, true
}

func (s *Service) recordFailure(ctx context.Context, action, principalID, reason string, dev session.DeviceContext) {
	s.audit.Record(ctx, audit.Event{
		Action:      action,
		Method:      audit.MethodPasskey,
		PrincipalID: principalID,
		Reason:      reason,
		IP:          dev.IP,
		UserAgent:   dev.UserAgent,
		At:          s.now(),
	})
}

func normalizeCredentialID(op, id string) (string, error) {
	id = strings.TrimRight(strings.TrimSpace(id), "=")
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(raw) == 0 || len(raw) > 1023 {
		return "", identity.FieldError{Op: op, Field: "credentialId", Reason: "must be base64url"}
	}
	return id, nil
}

func descriptors(list []identity.Passkey) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(list))
	for _, pk := range list {
		if !pk.Active {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(pk.CredentialID)
		if err != nil {
			continue
		}
		d := protocol.CredentialDescriptor{Type: protocol.PublicKeyCredentialType, CredentialID: raw}
		for _, t := range pk.Transports {
			d.Transport = append(d.Transport, protocol.AuthenticatorTransport(t))
		}
		out = append(out, d)
	}
	return out
}

func subjectOf(p identity.Principal) session.Subject {
	sub := session.Subject{PrincipalID: p.ID, VID: p.VID}
	if p.Email != nil {
		sub.Email = *p.Email
	}
	return sub
}
