package session

import (
	"context"
	"net"
	"strings"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	// PlatformWeb is a browser-based session.
	PlatformWeb Platform = "web"
	// PlatformIOS is an iOS native session.
	PlatformIOS Platform = "ios"
	// PlatformAndroid is an Android native session.
	PlatformAndroid Platform = "android"
	// PlatformDesktop is a desktop (macOS/Windows/Linux) session.
	PlatformDesktop Platform = "desktop"
	// PlatformUnknown is used when the client platform is not known.
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps free-form client input to a known Platform.
func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop:
		return p
	default:
		return PlatformUnknown
	}
}

// DeviceContext describes the client device that owns a session.
type DeviceContext struct {
	Platform  Platform
	UserAgent string
	IP        net.IP
}

// Row mirrors the sessions table.
type Row struct {
	ID                  string
	PrincipalID         string
	RefreshFingerprint  string
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	AccessExpiresAt     time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
	Platform            Platform
	UserAgent           string
	IP                  net.IP
}

// Active reports whether the row can still authenticate requests at now.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ReplacedBySessionID == nil && r.ExpiresAt.After(now)
}

// status maps an inactive row to its rejection error.
func (r Row) status(now time.Time) error {
	switch {
	case r.RevokedAt != nil && r.ReplacedBySessionID != nil:
		return ErrRefreshReuseDetected
	case r.RevokedAt != nil:
		return ErrSessionRevoked
	case !r.ExpiresAt.After(now):
		return ErrSessionExpired
	default:
		return nil
	}
}

// Store abstracts persistence for session state.
type Store interface {
	// Create inserts a new session row.
	Create(ctx context.Context, row Row) error

	// GetByID loads a session row by ID. Returns ErrSessionNotFound when absent.
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Rotate atomically replaces oldID with next.
	//
	// Contract:
	// - fingerprint must match the stored refresh fingerprint (constant-time), else ErrSessionNotFound.
	// - A row that was already rotated means the refresh token was replayed: every session of the
	//   principal is revoked (committed) and ErrRefreshReuseDetected is returned.
	// - A revoked row returns ErrSessionRevoked; an expired row ErrSessionExpired.
	// - Otherwise next is inserted and the old row is revoked and linked to next.ID.
	Rotate(ctx context.Context, now time.Time, oldID, fingerprint string, next Row) error

	// Touch updates last_used_at for an active session.
	Touch(ctx context.Context, now time.Time, sessionID string) error

	// Revoke revokes a single session (idempotent). Returns ErrSessionNotFound when absent.
	Revoke(ctx context.Context, now time.Time, sessionID string) error

	// RevokeAll revokes all sessions for a principal (idempotent).
	RevokeAll(ctx context.Context, now time.Time, principalID string) error
}
