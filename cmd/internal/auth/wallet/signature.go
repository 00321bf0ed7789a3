package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"vdid/cmd/identity"
)

var (
	// ErrMalformedSignature is returned before recovery for signatures of the wrong shape.
	ErrMalformedSignature = errors.New("wallet: malformed signature")

	// ErrSignatureMismatch is returned when the recovered signer is not the claimed address.
	ErrSignatureMismatch = errors.New("wallet: signature does not match address")
)

// SignatureHexLen is the hex length of a 65-byte R|S|V signature.
const SignatureHexLen = 130

// HashMessage returns the EIP-191 personal_sign digest of message.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return identity.Keccak256([]byte(prefix), []byte(message))
}

// DecodeSignature validates the 0x + 130 hex shape and returns the raw bytes.
func DecodeSignature(signature string) ([]byte, error) {
	raw, ok := strings.CutPrefix(signature, "0x")
	if !ok || len(raw) != SignatureHexLen {
		return nil, ErrMalformedSignature
	}
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, ErrMalformedSignature
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, ErrMalformedSignature
	}
	return sig, nil
}

// RecoverAddress returns the EIP-55 address that signed message.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return "", err
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}

	// btcec expects [27 + recovery id] || R || S for uncompressed keys.
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, HashMessage(message))
	if err != nil {
		return "", ErrSignatureMismatch
	}
	return PublicKeyAddress(pub), nil
}

// VerifySignature checks that address signed message.
func VerifySignature(message, signature, address string) error {
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, strings.TrimSpace(address)) {
		return ErrSignatureMismatch
	}
	return nil
}

// PublicKeyAddress derives the EIP-55 address of a secp256k1 public key.
func PublicKeyAddress(pub *btcec.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := identity.Keccak256(uncompressed[1:])
	return identity.ChecksumAddress(hex.EncodeToString(hash[12:]))
}
