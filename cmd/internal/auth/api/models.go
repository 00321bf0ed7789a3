package authapi

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"vdid/cmd/identity"
	"vdid/cmd/vscore"
)

type clientHints struct {
	Platform string `json:"platform"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	clientHints
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	clientHints
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	clientHints
}

type walletNonceRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

type walletVerifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	ChainID   int64  `json:"chainId"`
	ENSName   string `json:"ensName"`
	clientHints
}

// credentialEnvelope holds the PublicKeyCredential fields browsers send alongside the response.
type credentialEnvelope struct {
	RawID                   protocol.URLEncodedBase64 `json:"rawId"`
	Type                    string                    `json:"type"`
	AuthenticatorAttachment string                    `json:"authenticatorAttachment"`
	ClientExtensionResults  map[string]any            `json:"clientExtensionResults"`
}

type passkeyRegisterVerifyRequest struct {
	ID string `json:"id"`
	credentialEnvelope
	Response struct {
		ClientDataJSON     protocol.URLEncodedBase64 `json:"clientDataJSON"`
		AuthenticatorData  protocol.URLEncodedBase64 `json:"authenticatorData"`
		PublicKey          protocol.URLEncodedBase64 `json:"publicKey"`
		PublicKeyAlgorithm int64                     `json:"publicKeyAlgorithm"`
		Transports         []string                  `json:"transports"`
		AttestationObject  protocol.URLEncodedBase64 `json:"attestationObject"`
	} `json:"response"`
	DeviceName string `json:"deviceName"`
}

type passkeyLoginOptionsRequest struct {
	Identifier string `json:"identifier"`
}

type passkeyLoginVerifyRequest struct {
	ID         string `json:"id"`
	CeremonyID string `json:"ceremonyId"`
	credentialEnvelope
	Response struct {
		ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJSON"`
		AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
		Signature         protocol.URLEncodedBase64 `json:"signature"`
		UserHandle        protocol.URLEncodedBase64 `json:"userHandle"`
	} `json:"response"`
	clientHints
}

type scoreClaimRequest struct {
	Action string `json:"action"`
}

type userResponse struct {
	ID             string          `json:"id"`
	VID            string          `json:"vid"`
	DID            *string         `json:"did"`
	Email          *string         `json:"email"`
	WalletAddress  *string         `json:"walletAddress"`
	WalletVerified bool            `json:"walletVerified"`
	PasskeyEnabled bool            `json:"passkeyEnabled"`
	Scores         vscore.Scores   `json:"scores"`
	TotalScore     int             `json:"totalScore"`
	Level          vscore.Level    `json:"level"`
	Status         identity.Status `json:"status"`
	LastLoginAt    *time.Time      `json:"lastLoginAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type authResponse struct {
	User             userResponse `json:"user"`
	SessionID        string       `json:"sessionId"`
	AccessToken      string       `json:"accessToken"`
	AccessExpiresAt  time.Time    `json:"accessExpiresAt"`
	RefreshToken     string       `json:"refreshToken,omitempty"`
	RefreshExpiresAt time.Time    `json:"refreshExpiresAt"`
	IsNewUser        bool         `json:"isNewUser"`
}

type refreshResponse struct {
	SessionID        string    `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type walletNonceResponse struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type walletResponse struct {
	Address    string     `json:"address"`
	ChainID    int64      `json:"chainId"`
	ChainName  string     `json:"chainName"`
	ENSName    *string    `json:"ensName"`
	IsPrimary  bool       `json:"isPrimary"`
	VerifiedAt time.Time  `json:"verifiedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type passkeyResponse struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credentialId"`
	DeviceName   string     `json:"deviceName"`
	Algorithm    int64      `json:"algorithm"`
	Transports   []string   `json:"transports"`
	SignCount    uint32     `json:"signCount"`
	UseCount     int64      `json:"useCount"`
	LastUsedAt   *time.Time `json:"lastUsedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type scoreClaimResponse struct {
	Action       string        `json:"action"`
	Delta        int           `json:"delta"`
	Scores       vscore.Scores `json:"scores"`
	TotalScore   int           `json:"totalScore"`
	Level        vscore.Level  `json:"level"`
	LevelChanged bool          `json:"levelChanged"`
}

type scoreSummaryResponse struct {
	Scores       vscore.Scores       `json:"scores"`
	TotalScore   int                 `json:"totalScore"`
	Level        vscore.Level        `json:"level"`
	NextLevel    vscore.Level        `json:"nextLevel,omitempty"`
	PointsToNext int                 `json:"pointsToNext"`
	WeeklyChange int                 `json:"weeklyChange"`
	Weakest      vscore.Category     `json:"weakestCategory"`
	Suggestions  []vscore.Suggestion `json:"suggestions"`
}

type scoreHistoryEntryResponse struct {
	ID            string          `json:"id"`
	ActionKey     string          `json:"action"`
	Category      vscore.Category `json:"category"`
	Reason        string          `json:"reason"`
	PreviousTotal int             `json:"previousTotal"`
	NewTotal      int             `json:"newTotal"`
	Delta         int             `json:"delta"`
	Snapshot      vscore.Scores   `json:"scores"`
	LevelBefore   vscore.Level    `json:"levelBefore"`
	LevelAfter    vscore.Level    `json:"levelAfter"`
	LevelChanged  bool            `json:"levelChanged"`
	CreatedAt     time.Time       `json:"createdAt"`
}
