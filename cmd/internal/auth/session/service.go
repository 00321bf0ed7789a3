package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"vdid/cmd/identity/ids"
	"vdid/cmd/security/token"
)

// SubjectFunc resolves the current identity of a principal at refresh time.
// It must return an error for principals that may no longer authenticate.
type SubjectFunc func(ctx context.Context, principalID string) (Subject, error)

// Service implements the high-level session operations for V-ID.
//
// It issues sessions (access + refresh), validates access tokens against the
// server-side row, supports per-session and per-principal revocation, and
// performs refresh rotation with reuse detection.
type Service struct {
	cfg    Config
	tokens TokenManager
	store  Store
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// NewService constructs a Service with the provided configuration, store, and token manager.
func NewService(cfg Config, store Store, tokens TokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// RefreshTTL is the refresh lifetime. It is the same for every platform.
func (s *Service) RefreshTTL() time.Duration {
	return s.cfg.RefreshTTL
}

// mint builds a session row and its token pair without persisting it.
func (s *Service) mint(now time.Time, sub Subject, dev DeviceContext) (Row, Issued, error) {
	sessionID, err := ids.NewULID(now)
	if err != nil {
		return Row{}, Issued{}, err
	}
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access, accessExp, err := s.tokens.IssueAccess(sub, sessionID, now)
	if err != nil {
		return Row{}, Issued{}, err
	}
	refresh, err := s.tokens.IssueRefresh(sub.PrincipalID, sessionID, now, refreshExp)
	if err != nil {
		return Row{}, Issued{}, err
	}

	row := Row{
		ID:                 sessionID,
		PrincipalID:        sub.PrincipalID,
		RefreshFingerprint: token.HashRefreshTokenHex(refresh),
		CreatedAt:          now,
		AccessExpiresAt:    accessExp,
		ExpiresAt:          refreshExp,
		Platform:           ParsePlatform(string(dev.Platform)),
		UserAgent:          strings.TrimSpace(dev.UserAgent),
		IP:                 dev.IP,
	}
	return row, Issued{
		SessionID:    sessionID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}

// IssueSession creates a new session row and returns fresh tokens.
//
// The refresh token is never persisted; only its fingerprint is stored.
func (s *Service) IssueSession(ctx context.Context, now time.Time, sub Subject, dev DeviceContext) (Issued, error) {
	if strings.TrimSpace(sub.PrincipalID) == "" {
		return Issued{}, ErrInvalidToken
	}
	row, issued, err := s.mint(now, sub, dev)
	if err != nil {
		return Issued{}, err
	}
	if err := s.store.Create(ctx, row); err != nil {
		return Issued{}, err
	}
	return issued, nil
}

// VerifyAccess verifies an access token and ensures the backing session is active.
func (s *Service) VerifyAccess(ctx context.Context, tok string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.VerifyAccess(tok, now)
	if err != nil {
		return AccessClaims{}, err
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if row.PrincipalID != claims.PrincipalID {
		return AccessClaims{}, ErrInvalidToken
	}
	if err := row.status(now); err != nil {
		if errors.Is(err, ErrRefreshReuseDetected) {
			// A rotated session's access token is superseded, not stolen.
			return AccessClaims{}, ErrSessionRevoked
		}
		return AccessClaims{}, err
	}
	return claims, nil
}

// VerifyRefresh checks a refresh token and requires a matching active session row:
// same principal, same refresh fingerprint, not revoked, rotated or expired.
// It never rotates; use Refresh for that.
func (s *Service) VerifyRefresh(ctx context.Context, tok string, now time.Time) (RefreshClaims, error) {
	tok = strings.TrimSpace(tok)
	claims, err := s.tokens.VerifyRefresh(tok, now)
	if err != nil {
		return RefreshClaims{}, err
	}

	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return RefreshClaims{}, err
	}
	if row.PrincipalID != claims.PrincipalID {
		return RefreshClaims{}, ErrInvalidToken
	}
	if !token.EqualHex(row.RefreshFingerprint, token.HashRefreshTokenHex(tok)) {
		return RefreshClaims{}, ErrInvalidToken
	}
	if err := row.status(now); err != nil {
		return RefreshClaims{}, err
	}
	return claims, nil
}

// Refresh performs refresh rotation with reuse detection.
//
// Security model:
//   - The refresh token must verify and its fingerprint must match the session row.
//   - If the row was already rotated, the token is a replay: every session of the principal
//     is revoked and ErrRefreshReuseDetected is returned.
//   - Otherwise a new row replaces the old one atomically and a new token pair is minted.
func (s *Service) Refresh(ctx context.Context, now time.Time, refreshToken string, dev DeviceContext, subject SubjectFunc) (Issued, error) {
	// Rotate owns the row checks so a replayed token still reaches reuse detection.
	claims, err := s.tokens.VerifyRefresh(strings.TrimSpace(refreshToken), now)
	if err != nil {
		return Issued{}, err
	}

	sub := Subject{PrincipalID: claims.PrincipalID}
	if subject != nil {
		sub, err = subject(ctx, claims.PrincipalID)
		if err != nil {
			return Issued{}, err
		}
		if sub.PrincipalID != claims.PrincipalID {
			return Issued{}, ErrInvalidToken
		}
	}

	next, issued, err := s.mint(now, sub, dev)
	if err != nil {
		return Issued{}, err
	}
	fp := token.HashRefreshTokenHex(strings.TrimSpace(refreshToken))
	if err := s.store.Rotate(ctx, now, claims.SessionID, fp, next); err != nil {
		return Issued{}, err
	}
	return issued, nil
}

// Logout revokes a single session by ID (idempotent).
func (s *Service) Logout(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID)
}

// LogoutAll revokes all sessions for a principal (idempotent).
func (s *Service) LogoutAll(ctx context.Context, now time.Time, principalID string) error {
	return s.store.RevokeAll(ctx, now, principalID)
}

// Touch updates last_used_at for a session (best-effort).
func (s *Service) Touch(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}

// PublicKeyHex exposes the token verification key.
func (s *Service) PublicKeyHex() string {
	return s.tokens.PublicKeyHex()
}
