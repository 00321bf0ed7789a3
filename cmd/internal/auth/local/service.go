// Package local implements email and password registration and login.
package local

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/identity/ids"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/score"
	"vdid/cmd/security/password"
	"vdid/cmd/vscore"
)

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

// Deps are the collaborators of Service.
type Deps struct {
	Store    identity.PrincipalStore
	Sessions Sessions
	Scores   Scorer
	Audit    audit.Recorder
	Log      *slog.Logger
	Now      func() time.Time
}

// Service runs password registration and login.
type Service struct {
	hasher   password.Config
	store    identity.PrincipalStore
	sessions Sessions
	scores   Scorer
	audit    audit.Recorder
	log      *slog.Logger
	now      func() time.Time

	dummyHash string
}

// NewService builds a Service. Store and Sessions are required.
func NewService(hasher password.Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Sessions == nil {
		return nil, errors.New("local: missing dependency")
	}
	s := &Service{
		hasher:   hasher,
		store:    d.Store,
		sessions: d.Sessions,
		scores:   d.Scores,
		audit:    d.Audit,
		log:      d.Log,
		now:      d.Now,
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

	// Dummy hash for timing-resistant login checks.
	hash, err := hasher.Hash("dummy-password-for-timing-only")
	if err != nil {
		return nil, err
	}
	s.dummyHash = hash
	return s, nil
}

// RegisterInput creates a password principal.
type RegisterInput struct {
	Email    string
	Password string
	Device   session.DeviceContext
}

// AuthResult is the outcome of register or login.
type AuthResult struct {
	Principal identity.Principal
	Issued    session.Issued
}

// Register creates a principal with an email and password and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	const op = "local.Register"

	email, err := identity.ValidateEmail(op, in.Email)
	if err != nil {
		s.recordFailure(ctx, audit.ActionRegister, "", "bad_email", in.Device)
		return AuthResult{}, err
	}
	if err := s.checkPassword(op, in.Password); err != nil {
		s.recordFailure(ctx, audit.ActionRegister, "", "weak_password", in.Device)
		return AuthResult{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return AuthResult{}, err
	}

	vid, err := ids.NewVID()
	if err != nil {
		return AuthResult{}, err
	}
	did, err := ids.NewRandomDID(ids.NetworkEthereum, nil)
	if err != nil {
		return AuthResult{}, err
	}

	var seed *identity.ScoreHistoryEntry
	if s.scores != nil {
		if seed, err = s.scores.Seed(vscore.ActionAccountCreated); err != nil {
			return AuthResult{}, err
		}
	}

	now := s.now()
	p, err := s.store.CreatePrincipal(ctx, identity.CreatePrincipalInput{
		VID:          vid,
		DID:          &did,
		Email:        &email,
		PasswordHash: &hash,
		InitialScore: seed,
		Now:          now,
	})
	if err != nil {
		reason := "store"
		if f, ok := identity.ConflictField(err); ok {
			reason = "conflict_" + f
		}
		s.recordFailure(ctx, audit.ActionRegister, "", reason, in.Device)
		return AuthResult{}, err
	}
	if seed != nil {
		s.scores.Seeded(ctx, p, seed)
	}
	if err := s.store.TouchLogin(ctx, p.ID, now); err != nil {
		return AuthResult{}, err
	}
	p.LastLoginAt = &now

	issued, err := s.sessions.IssueSession(ctx, now, subjectOf(p), in.Device)
	if err != nil {
		return AuthResult{}, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionRegister,
		Method:      audit.MethodPassword,
		Success:     true,
		PrincipalID: p.ID,
		SessionID:   issued.SessionID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		At:          now,
	})
	return AuthResult{Principal: p, Issued: issued}, nil
}

// checkPassword applies the hashing policy and the strength rules.
func (s *Service) checkPassword(op, pw string) error {
	if err := s.hasher.Validate(pw); err != nil {
		return identity.FieldError{Op: op, Field: "password", Reason: err.Error()}
	}
	if st := password.CheckStrength(pw); !st.Valid {
		return identity.FieldError{Op: op, Field: "password", Reason: "violates " + strings.Join(st.Violations, ", ")}
	}
	return nil
}

// LoginInput identifies a principal by email or VID.
type LoginInput struct {
	Identifier string
	Password   string
	Device     session.DeviceContext
}

// Login verifies a password. Every credential failure is the same
// unauthenticated error.
func (s *Service) Login(ctx context.Context, in LoginInput) (AuthResult, error) {
	const op = "local.Login"

	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" || in.Password == "" {
		return AuthResult{}, identity.Invalid(op, "identifier and password are required")
	}

	p, err := s.lookup(ctx, identifier)
	if err != nil && !identity.IsNotFound(err) {
		return AuthResult{}, err
	}
	if err != nil || !p.HasPassword() {
		// Timing resistance: perform a dummy verify when no hash exists.
		_, _ = s.hasher.Verify(s.dummyHash, in.Password)
		s.recordFailure(ctx, audit.ActionLogin, p.ID, "not_found", in.Device)
		return AuthResult{}, identity.Unauthenticated(op)
	}
	ok, err := s.hasher.Verify(*p.PasswordHash, in.Password)
	if err != nil || !ok {
		s.recordFailure(ctx, audit.ActionLogin, p.ID, "bad_password", in.Device)
		return AuthResult{}, identity.Unauthenticated(op)
	}
	if !p.Active() {
		s.recordFailure(ctx, audit.ActionLogin, p.ID, "not_active", in.Device)
		return AuthResult{}, identity.OpError{Op: op, Kind: identity.ErrNotActive}
	}

	now := s.now()
	if err := s.store.TouchLogin(ctx, p.ID, now); err != nil {
		return AuthResult{}, err
	}
	p.LastLoginAt = &now
	s.upgradeHash(ctx, &p, in.Password, now)

	issued, err := s.sessions.IssueSession(ctx, now, subjectOf(p), in.Device)
	if err != nil {
		return AuthResult{}, err
	}
	p = s.applyScore(ctx, p, vscore.ActionPasswordLogin)

	s.audit.Record(ctx, audit.Event{
		Action:      audit.ActionLogin,
		Method:      audit.MethodPassword,
		Success:     true,
		PrincipalID: p.ID,
		SessionID:   issued.SessionID,
		IP:          in.Device.IP,
		UserAgent:   in.Device.UserAgent,
		At:          now,
	})
	return AuthResult{Principal: p, Issued: issued}, nil
}

// upgradeHash re-hashes a verified password stored under weaker parameters.
// Failures are logged; the login itself already succeeded.
func (s *Service) upgradeHash(ctx context.Context, p *identity.Principal, password string, now time.Time) {
	if p.PasswordHash == nil || !s.hasher.NeedsRehash(*p.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.log.Warn("auth.login.rehash.fail", "err", err, "principal_id", p.ID)
		return
	}
	if err := s.store.SetPasswordHash(ctx, p.ID, hash, now); err != nil {
		s.log.Warn("auth.login.rehash.fail", "err", err, "principal_id", p.ID)
		return
	}
	p.PasswordHash = &hash
	s.log.Info("auth.login.rehashed", "principal_id", p.ID)
}

func (s *Service) lookup(ctx context.Context, identifier string) (identity.Principal, error) {
	if strings.Contains(identifier, "@") {
		return s.store.GetPrincipalByEmail(ctx, identity.NormalizeEmail(identifier))
	}
	vid := strings.ToUpper(identifier)
	if !ids.ValidateVID(vid) {
		return identity.Principal{}, identity.NotFoundError{Op: "local.lookup", Resource: "principal"}
	}
	return s.store.GetPrincipalByVID(ctx, vid)
}

func (s *Service) applyScore(ctx context.Context, p identity.Principal, action string) identity.Principal {
	if s.scores == nil {
		return p
	}
	out, err := s.scores.Apply(ctx, p.ID, action)
	if err != nil {
		s.log.Warn("auth.local.score.fail", "principal_id", p.ID, "action", action, "err", err)
		return p
	}
	p.Scores = out.Scores
	p.TotalScore = out.Total
	p.Level = out.Level
	return p
}

func (s *Service) recordFailure(ctx context.Context, action, principalID, reason string, dev session.DeviceContext) {
	s.audit.Record(ctx, audit.Event{
		Action:      action,
		Method:      audit.MethodPassword,
		PrincipalID: principalID,
		Reason:      reason,
		IP:          dev.IP,
		UserAgent:   dev.UserAgent,
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
