// Package wallet implements Sign-In with Ethereum for V-ID: nonce issue, EIP-4361
// message rendering, EIP-191 signature recovery and wallet-principal binding.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/identity/ids"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/challenge"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/score"
	"vdid/cmd/vscore"
)

// Store is the identity persistence the wallet flows need.
type Store interface {
	identity.PrincipalStore
	identity.WalletStore
}

// Sessions issues a session for a verified principal.
type Sessions interface {
	IssueSession(ctx context.Context, now time.Time, sub session.Subject, dev session.DeviceContext) (session.Issued, error)
}

// Scorer applies system reputation actions. Seed and Seeded cover the bonus
// that is written together with a new principal.
type Scorer interface {
	Apply(ctx context.Context, principalID, actionKey string) (score.Outcome, error)
	Seed(actionKey string) (*identity.ScoreHistoryEntry, error)
	Seeded(ctx context.Context, p identity.Principal, seed *identity.ScoreHistoryEntry) score.Outcome
}

// Service is the wallet sign-in flow.
type Service struct {
	cfg        Config
	store      Store
	challenges challenge.Store
	sessions   Sessions
	scores     Scorer
	audit      audit.Recorder
	log        *slog.Logger
	now        func() time.Time
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
		return nil, errors.New("wallet: missing dependency")
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

// NonceResult is returned to the client that is about to sign.
type NonceResult struct {
	Address   string
	Nonce     string
	Message   string
	ExpiresAt time.Time
}

// Nonce issues a fresh nonce for address and renders the message to sign.
// A previous unconsumed nonce for the same address is replaced.
func (s *Service) Nonce(ctx context.Context, address string, chainID int64) (NonceResult, error) {
	const op = "wallet.Nonce"

	addr, err := identity.NormalizeAddress(op, address)
	if err != nil {
		return NonceResult{}, err
	}
	if chainID == 0 {
		chainID = DefaultChainID
	}
	if chainID < 0 {
		return NonceResult{}, identity.FieldError{Op: op, Field: "chainId", Reason: "must be positive"}
	}

	now := s.now()
	ch, err := s.challenges.Issue(ctx, challenge.WalletKey(identity.AddressKey(addr)), s.cfg.NonceTTL)
	if err != nil {
		return NonceResult{}, err
	}

	msg := CreateMessage(MessageParams{
		Domain:         s.cfg.Domain,
		Address:        addr,
		Statement:      s.cfg.Statement,
		URI:            s.cfg.URI,
		Version:        MessageVersion,
		ChainID:        chainID,
		Nonce:          ch.Value,
		IssuedAt:       now,
		ExpirationTime: ch.ExpiresAt,
	})

	s.audit.Record(ctx, audit.Event{
		Action:  audit.ActionWalletNonce,
		Method:  audit.MethodWallet,
		Success: true,
		Meta:    map[string]any{"address": addr, "chain_id": chainID},
		At:      now,
	})
	return NonceResult{Address: addr, Nonce: ch.Value, Message: msg, ExpiresAt: ch.ExpiresAt}, nil
}

// VerifyInput is a signed sign-in message.
type VerifyInput struct {
	Address   string
	Signature string
	Message   string
	// ChainID, when set, must equal the chain in the message.
	ChainID int64
	ENSName string
	Device  session.DeviceContext
}

// verified is the outcome of proof-of-control checks.
type verified struct {
	address string
	params  MessageParams
}

// verify checks the message, signature and nonce, in that order.
// The nonce is consumed only after the signature verifies, so a forged
// request cannot burn the legitimate holder's nonce.
func (s *Service) verify(ctx context.Context, op string, in VerifyInput) (verified, string, error) {
	addr, err := identity.NormalizeAddress(op, in.Address)
	if err != nil {
		return verified{}, "bad_address", err
	}
	if _, err := DecodeSignature(strings.TrimSpace(in.Signature)); err != nil {
		return verified{}, "malformed_signature", identity.FieldError{Op: op, Field: "signature", Reason: "must be 0x followed by 130 hex characters"}
	}

	p, err := ParseMessage(in.Message)
	if err != nil {
		return verified{}, "malformed_message", identity.Unauthenticated(op)
	}
	now := s.now()
	switch {
	case !strings.EqualFold(p.Address, addr):
		return verified{}, "address_mismatch", identity.Unauthenticated(op)
	case p.Domain != s.cfg.Domain || p.URI != s.cfg.URI:
		return verified{}, "domain_mismatch", identity.Unauthenticated(op)
	case in.ChainID != 0 && in.ChainID != p.ChainID:
		return verified{}, "chain_mismatch", identity.Unauthenticated(op)
	case !p.ExpirationTime.After(now):
		return verified{}, "message_expired", identity.Unauthenticated(op)
	case p.IssuedAt.After(now.Add(s.cfg.ClockSkew)):
		return verified{}, "issued_in_future", identity.Unauthenticated(op)
	}

	if err := VerifySignature(in.Message, strings.TrimSpace(in.Signature), addr); err != nil {
		return verified{}, "bad_signature", identity.Unauthenticated(op)
	}

	if err := s.challenges.Consume(ctx, challenge.WalletKey(identity.AddressKey(addr)), p.Nonce); err != nil {
		if errors.Is(err, challenge.ErrNotFound) || errors.Is(err, challenge.ErrExpired) || errors.Is(err, challenge.ErrMismatch) {
			return verified{}, "nonce_rejected", identity.Unauthenticated(op)
		}
		return verified{}, "challenge_store", err
	}
	return verified{address: addr, params: p}, "", nil
}

// AuthResult is the outcome of a successful wallet sign-in.
type AuthResult struct {
	Principal identity.Principal
	Wallet    identity.WalletIdentity
	Issued    session.Issued
	IsNewUser bool
}

// Authenticate signs a principal in with a signed message, creating the principal
// on first sight of the address.
func (s *Service) Authenticate(ctx context.Context, in VerifyInput) (AuthResult, error) {
	const op = "wallet.Authenticate"

	v, reason, err := s.verify(ctx, op, in)
	if err != nil {
		s.recordFailure(ctx, audit.ActionWalletVerify, "", reason, in)
		return AuthResult{}, err
	}

	now := s.now()
	res, err := s.signIn(ctx, op, v, in, now)
	if err != nil {
		reason := "store"
		if identity.IsNotActive(err) {
			reason = "not_active"
		}
		s.recordFailure(ctx, audit.ActionWalletVerify, res.Principal.ID, reason, in)
		return AuthResult{}, err
	}

	res.Issued, err = s.sessions.IssueSession(ctx, now, subjectOf(res.Principal), in.Device)
	if err != nil {
		return AuthResult{}, err
	}

	if !res.IsNewUser {
		res.Principal = s.applyScore(ctx, res.Principal, vscore.ActionWalletLogin)
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionWalletVerify,
		Method:      audit.MethodWallet,
		Success:     true,
		PrincipalID: res.Principal.ID,
		SessionID:   res.Issued.SessionID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		Meta:        map[string]any{"address": v.address, "chain_id": v.params.ChainID, "new_user": res.IsNewUser},
		At:          now,
	})
	return res, nil
}

// signIn resolves the principal bound to the verified address, creating it if needed.
func (s *Service) signIn(ctx context.Context, op string, v verified, in VerifyInput, now time.Time) (AuthResult, error) {
	sig := strings.TrimSpace(in.Signature)

	for attempt := 0; attempt < 2; attempt++ {
		w, err := s.store.GetWalletByAddress(ctx, v.address)
		if err == nil {
			p, err := s.store.GetPrincipal(ctx, w.PrincipalID)
			if err != nil {
				return AuthResult{}, err
			}
			if !p.Active() {
				return AuthResult{Principal: p}, identity.OpError{Op: op, Kind: identity.ErrNotActive}
			}
			if err := s.store.RecordWalletLogin(ctx, v.address, sig, v.params.Nonce, now); err != nil {
				return AuthResult{}, err
			}
			if err := s.store.TouchLogin(ctx, p.ID, now); err != nil {
				return AuthResult{}, err
			}
			p.LastLoginAt = &now
			return AuthResult{Principal: p, Wallet: w}, nil
		}
		if !identity.IsNotFound(err) {
			return AuthResult{}, err
		}

		p, w, err := s.create(ctx, v, in, now)
		if err == nil {
			return AuthResult{Principal: p, Wallet: w, IsNewUser: true}, nil
		}
		// A concurrent first sign-in won the address; resolve it on the next pass.
		if f, ok := identity.ConflictField(err); !ok || f != "wallet_address" {
			return AuthResult{}, err
		}
	}
	return AuthResult{}, identity.ConflictError{Op: op, Field: "wallet_address"}
}

func (s *Service) create(ctx context.Context, v verified, in VerifyInput, now time.Time) (identity.Principal, identity.WalletIdentity, error) {
	chain := LookupChain(v.params.ChainID)

	vid, err := ids.NewVID()
	if err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}
	did, err := ids.NewWalletDID(chain.Network, v.address)
	if err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}

	nonce := v.params.Nonce
	w := &identity.WalletIdentity{
		Address:    v.address,
		ChainID:    chain.ID,
		ChainName:  chain.Name,
		ENSName:    optional(in.ENSName),
		Signature:  strings.TrimSpace(in.Signature),
		VerifiedAt: now,
		LastNonce:  &nonce,
		CreatedAt:  now,
		LastUsedAt: &now,
	}
	seed, err := s.seed(vscore.ActionWalletConnected)
	if err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}
	marker := identity.WalletOnlyPasswordMarker
	p, err := s.store.CreatePrincipal(ctx, identity.CreatePrincipalInput{
		VID:          vid,
		DID:          &did,
		PasswordHash: &marker,
		Wallet:       w,
		InitialScore: seed,
		Now:          now,
	})
	if err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}
	if seed != nil {
		s.scores.Seeded(ctx, p, seed)
	}
	if err := s.store.TouchLogin(ctx, p.ID, now); err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}
	p.LastLoginAt = &now

	bound, err := s.store.GetWalletByAddress(ctx, v.address)
	if err != nil {
		return identity.Principal{}, identity.WalletIdentity{}, err
	}
	return p, bound, nil
}

// Link binds an additional wallet to an already authenticated principal.
func (s *Service) Link(ctx context.Context, principalID string, in VerifyInput) (identity.WalletIdentity, error) {
	const op = "wallet.Link"

	v, reason, err := s.verify(ctx, op, in)
	if err != nil {
		s.recordFailure(ctx, audit.ActionWalletLink, principalID, reason, in)
		return identity.WalletIdentity{}, err
	}

	now := s.now()
	chain := LookupChain(v.params.ChainID)
	nonce := v.params.Nonce
	w, err := s.store.AddWallet(ctx, identity.WalletIdentity{
		PrincipalID: principalID,
		Address:     v.address,
		ChainID:     chain.ID,
		ChainName:   chain.Name,
		ENSName:     optional(in.ENSName),
		Signature:   strings.TrimSpace(in.Signature),
		VerifiedAt:  now,
		LastNonce:   &nonce,
		CreatedAt:   now,
	})
	if err != nil {
		s.recordFailure(ctx, audit.ActionWalletLink, principalID, "store", in)
		return identity.WalletIdentity{}, err
	}

	if w.IsPrimary {
		p, err := s.store.GetPrincipal(ctx, principalID)
		if err == nil {
			s.applyScore(ctx, p, vscore.ActionWalletConnected)
		}
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionWalletLink,
		Method:      audit.MethodWallet,
		Success:     true,
		PrincipalID: principalID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		Meta:        map[string]any{"address": w.Address, "chain_id": w.ChainID},
		At:          now,
	})
	return w, nil
}

// Unbind removes a wallet from a principal. It refuses to remove the last
// authentication method.
func (s *Service) Unbind(ctx context.Context, principalID, address string) error {
	const op = "wallet.Unbind"

	addr, err := identity.NormalizeAddress(op, address)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.store.DeleteWallet(ctx, principalID, addr, now)
	ev := audit.Event{
		Action:      audit.ActionWalletUnbind,
		Method:      audit.MethodWallet,
		Success:     err == nil,
		PrincipalID: principalID,
		Meta:        map[string]any{"address": addr},
		At:          now,
	}
	if err != nil {
		ev.Reason = "store"
		if f, _ := identity.ConflictField(err); f == "last_auth_method" {
			ev.Reason = "last_auth_method"
		}
	}
	s.audit.Record(ctx, ev)
	return err
}

// Wallets lists the principal's wallets, primary first.
func (s *Service) Wallets(ctx context.Context, principalID string) ([]identity.WalletIdentity, error) {
	return s.store.ListWallets(ctx, principalID)
}

// seed returns nil when no scorer is wired.
func (s *Service) seed(action string) (*identity.ScoreHistoryEntry, error) {
	if s.scores == nil {
		return nil, nil
	}
	return s.scores.Seed(action)
}

// applyScore applies a sign-in action; failures are logged and never fail the sign-in.
func (s *Service) applyScore(ctx context.Context, p identity.Principal, action string) identity.Principal {
	if s.scores == nil {
		return p
	}
	out, err := s.scores.Apply(ctx, p.ID, action)
	if err != nil {
		s.log.Warn("auth.wallet.score.fail", "principal_id", p.ID, "action", action, "err", err)
		return p
	}
	p.Scores = out.Scores
	p.TotalScore = out.Total
	p.Level = out.Level
	return p
}

func (s *Service) recordFailure(ctx context.Context, action, principalID, reason string, in VerifyInput) {
	s.audit.Record(ctx, audit.Event{
		Action:      action,
		Method:      audit.MethodWallet,
		PrincipalID: principalID,
		Reason:      reason,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		Meta:        map[string]any{"address": strings.TrimSpace(in.Address)},
		At:          s.now(),
	})
}

func subjectOf(p identity.Principal) session.Subject {
	sub := session.Subject{PrincipalID: p.ID, VID: p.VID}
	if p.Email != nil {
		sub.Email = *p.Email
	}
	return sub
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
