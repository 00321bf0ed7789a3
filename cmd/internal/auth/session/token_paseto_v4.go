package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"vdid/cmd/identity/ids"
)

// Token kinds carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Subject is the identity an access token is minted for.
type Subject struct {
	PrincipalID string
	VID         string
	Email       string
}

// AccessClaims is the identity envelope propagated on every authenticated request.
type AccessClaims struct {
	PrincipalID string
	VID         string
	Email       string
	SessionID   string
	TokenID     string
	ExpiresAt   time.Time
	IssuedAt    time.Time
	Issuer      string
}

// RefreshClaims identifies the session a refresh token belongs to.
type RefreshClaims struct {
	PrincipalID string
	SessionID   string
	TokenID     string
	ExpiresAt   time.Time
	IssuedAt    time.Time
}

// TokenManager issues and verifies access and refresh tokens.
type TokenManager interface {
	IssueAccess(sub Subject, sessionID string, now time.Time) (token string, exp time.Time, err error)
	IssueRefresh(principalID, sessionID string, now, exp time.Time) (string, error)
	VerifyAccess(token string, now time.Time) (AccessClaims, error)
	VerifyRefresh(token string, now time.Time) (RefreshClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a TokenManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer, type and validity-window rules.
// Clock skew is applied during verification via ValidAt to tolerate minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (TokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if cfg.AccessTokenTTL <= 0 || cfg.Issuer == "" {
		return nil, ErrConfig
	}

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// GenerateSecretKeyHex returns a fresh Ed25519 secret key for dev mode and tests.
func GenerateSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) newToken(typ string, now, exp time.Time) (paseto.Token, error) {
	jti, err := ids.NewULID(now)
	if err != nil {
		return paseto.Token{}, err
	}
	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now) // Valid immediately.
	tok.SetExpiration(exp)
	tok.SetJti(jti)
	_ = tok.Set("typ", typ)
	return tok, nil
}

func (m *pasetoV4PublicManager) IssueAccess(sub Subject, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)
	tok, err := m.newToken(TokenTypeAccess, now, exp)
	if err != nil {
		return "", time.Time{}, err
	}

	// Minimal, explicit claims.
	_ = tok.Set("uid", sub.PrincipalID)
	_ = tok.Set("vid", sub.VID)
	if sub.Email != "" {
		_ = tok.Set("email", sub.Email)
	}
	_ = tok.Set("sid", sessionID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) IssueRefresh(principalID, sessionID string, now, exp time.Time) (string, error) {
	tok, err := m.newToken(TokenTypeRefresh, now, exp)
	if err != nil {
		return "", err
	}
	_ = tok.Set("uid", principalID)
	_ = tok.Set("sid", sessionID)
	return tok.V4Sign(m.secret, nil), nil
}

// parse verifies signature, issuer, validity window and token type.
//
// English comment:
// - ValidAt(now+skew) checks iat/nbf/exp against an injectable clock; paseto's NotExpired reads
//   the wall clock and is not used.
// - Skew makes expiry slightly stricter, which is typically desirable.
func (m *pasetoV4PublicManager) parse(token, typ string, now time.Time) (*paseto.Token, error) {
	if token == "" || len(token) > 4096 {
		return nil, ErrInvalidToken
	}

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(now.Add(m.clockSkew)))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	got, err := parsed.GetString("typ")
	if err != nil || got != typ {
		return nil, ErrInvalidToken
	}
	return parsed, nil
}

func (m *pasetoV4PublicManager) VerifyAccess(token string, now time.Time) (AccessClaims, error) {
	parsed, err := m.parse(token, TokenTypeAccess, now)
	if err != nil {
		return AccessClaims{}, err
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()
	jti, _ := parsed.GetJti()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	vid, _ := parsed.GetString("vid")
	email, _ := parsed.GetString("email")

	return AccessClaims{
		PrincipalID: uid,
		VID:         vid,
		Email:       email,
		SessionID:   sid,
		TokenID:     jti,
		ExpiresAt:   exp,
		IssuedAt:    iat,
		Issuer:      iss,
	}, nil
}

func (m *pasetoV4PublicManager) VerifyRefresh(token string, now time.Time) (RefreshClaims, error) {
	parsed, err := m.parse(token, TokenTypeRefresh, now)
	if err != nil {
		return RefreshClaims{}, err
	}

	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()
	jti, _ := parsed.GetJti()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return RefreshClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return RefreshClaims{}, ErrInvalidToken
	}

	return RefreshClaims{
		PrincipalID: uid,
		SessionID:   sid,
		TokenID:     jti,
		ExpiresAt:   exp,
		IssuedAt:    iat,
	}, nil
}
