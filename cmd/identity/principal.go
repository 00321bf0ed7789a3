package identity

import (
	"time"

	"vdid/cmd/security/password"
	"vdid/cmd/vscore"
)

// Status is the lifecycle state of a principal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

// WalletOnlyPasswordMarker is stored in place of a password hash for principals
// created through wallet sign-in. It never verifies.
const WalletOnlyPasswordMarker = "!wallet-only"

// Principal is the canonical security subject.
type Principal struct {
	ID  string
	VID string
	DID *string

	Email     *string
	EmailNorm *string

	// PasswordHash is an Argon2id PHC string or WalletOnlyPasswordMarker.
	PasswordHash *string

	WalletAddress  *string
	WalletVerified bool
	PasskeyEnabled bool

	Scores     vscore.Scores
	TotalScore int
	Level      vscore.Level

	Status      Status
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPassword reports whether the principal can sign in with a password.
func (p Principal) HasPassword() bool {
	if p.PasswordHash == nil {
		return false
	}
	return password.Usable(*p.PasswordHash)
}

// Usable reports whether at least one authentication method is attached.
func (p Principal) Usable() bool {
	return p.HasPassword() || p.WalletVerified || p.PasskeyEnabled
}

// Active reports whether the principal may authenticate at all.
func (p Principal) Active() bool {
	return p.Status == StatusActive
}

// WalletIdentity binds a verified EVM address to a principal.
// Address is stored EIP-55 checksummed; uniqueness is case-insensitive.
type WalletIdentity struct {
	ID          string
	PrincipalID string
	Address     string
	ChainID     int64
	ChainName   string
	ENSName     *string

	// Signature is the last verified sign-in signature (0x-prefixed hex).
	Signature  string
	VerifiedAt time.Time

	LastNonce      *string
	NonceExpiresAt *time.Time

	IsPrimary  bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Passkey is a registered public-key credential.
type Passkey struct {
	ID          string
	PrincipalID string

	// CredentialID is base64url without padding; globally unique.
	CredentialID string
	// PublicKey is a DER-encoded SubjectPublicKeyInfo.
	PublicKey []byte
	// Algorithm is the COSE algorithm identifier (-7, -8, -257).
	Algorithm int64

	SignCount  uint32
	DeviceName string
	Transports []string

	Active     bool
	UseCount   int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// ScoreHistoryEntry is one append-only reputation change.
type ScoreHistoryEntry struct {
	ID          string
	PrincipalID string

	PreviousTotal int
	NewTotal      int
	Delta         int

	Category vscore.Category
	// Snapshot holds the category scores after the change.
	Snapshot vscore.Scores

	Reason    string
	ActionKey string

	LevelBefore  vscore.Level
	LevelAfter   vscore.Level
	LevelChanged bool

	CreatedAt time.Time
}

// NewScoreHistoryEntry builds the history row for an applied action result.
func NewScoreHistoryEntry(principalID string, r vscore.Result, now time.Time) ScoreHistoryEntry {
	return ScoreHistoryEntry{
		PrincipalID:   principalID,
		PreviousTotal: r.TotalBefore,
		NewTotal:      r.TotalAfter,
		Delta:         r.Delta(),
		Category:      r.Action.Category,
		Snapshot:      r.After,
		Reason:        r.Action.Reason,
		ActionKey:     r.Action.Key,
		LevelBefore:   r.LevelBefore,
		LevelAfter:    r.LevelAfter,
		LevelChanged:  r.LevelChanged(),
		CreatedAt:     now,
	}
}
