package identity

import (
	"context"
	"time"

	"vdid/cmd/vscore"
)

// CreatePrincipalInput describes a new principal.
// VID is required. At least one of PasswordHash (usable), Wallet must be set.
type CreatePrincipalInput struct {
	VID          string
	DID          *string
	Email        *string
	PasswordHash *string

	// Wallet, when set, becomes the principal's primary verified wallet.
	Wallet *WalletIdentity

	// InitialScore, when set, is applied to the zero score state and appended to
	// the history in the same unit as the insert. PrincipalID is filled in by the store.
	InitialScore *ScoreHistoryEntry

	Now time.Time
}

// PrincipalStore persists principals.
type PrincipalStore interface {
	// CreatePrincipal inserts the principal (and its primary wallet) atomically.
	// Returns ConflictError{Field: "email"|"vid"|"did"|"wallet_address"} on uniqueness violations.
	CreatePrincipal(ctx context.Context, in CreatePrincipalInput) (Principal, error)

	GetPrincipal(ctx context.Context, id string) (Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	GetPrincipalByVID(ctx context.Context, vid string) (Principal, error)

	// TouchLogin sets last_login_at.
	TouchLogin(ctx context.Context, principalID string, now time.Time) error

	// SetPasswordHash replaces the stored password hash.
	SetPasswordHash(ctx context.Context, principalID, hash string, now time.Time) error

	// SetStatus changes the lifecycle status.
	SetStatus(ctx context.Context, principalID string, status Status, now time.Time) error
}

// WalletStore persists wallet bindings.
type WalletStore interface {
	// AddWallet binds a verified wallet to an existing principal.
	// The first wallet of a principal becomes primary.
	AddWallet(ctx context.Context, w WalletIdentity) (WalletIdentity, error)

	GetWalletByAddress(ctx context.Context, address string) (WalletIdentity, error)
	ListWallets(ctx context.Context, principalID string) ([]WalletIdentity, error)

	// RecordWalletLogin stores the latest verified signature and consumed nonce.
	RecordWalletLogin(ctx context.Context, address, signature, nonce string, now time.Time) error

	// DeleteWallet removes a wallet binding. Returns the last-method conflict when the
	// principal would be left without a usable authentication method.
	DeleteWallet(ctx context.Context, principalID, address string, now time.Time) error
}

// PasskeyStore persists public-key credentials.
type PasskeyStore interface {
	// CreatePasskey inserts the credential and enables passkeys on the principal.
	// Returns ConflictError{Field: "credential_id"} when the id is already registered.
	CreatePasskey(ctx context.Context, pk Passkey) (Passkey, error)

	GetPasskeyByCredentialID(ctx context.Context, credentialID string) (Passkey, error)
	ListPasskeys(ctx context.Context, principalID string) ([]Passkey, error)

	// RecordPasskeyUse advances the signature counter from prev to next.
	// Returns ErrStale when the stored counter is no longer prev.
	RecordPasskeyUse(ctx context.Context, credentialID string, prev, next uint32, now time.Time) error

	// DeletePasskey removes a credential, guarded like DeleteWallet.
	DeletePasskey(ctx context.Context, principalID, credentialID string, now time.Time) error
}

// ScoreStore persists reputation state.
type ScoreStore interface {
	// ApplyScore replaces the principal's scores with entry.Snapshot if the stored
	// scores still equal expected, and appends entry to the history in the same unit.
	// Returns ErrStale when another writer changed the scores first.
	ApplyScore(ctx context.Context, expected vscore.Scores, entry ScoreHistoryEntry) (ScoreHistoryEntry, error)

	// ListScoreHistory returns entries newest first, created at or after since.
	ListScoreHistory(ctx context.Context, principalID string, since time.Time, limit int) ([]ScoreHistoryEntry, error)
}

// Store is the identity persistence boundary.
type Store interface {
	PrincipalStore
	WalletStore
	PasskeyStore
	ScoreStore
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}
