package passkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"

	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Supported COSE algorithms, in order of preference.
var Algorithms = []webauthncose.COSEAlgorithmIdentifier{
	webauthncose.AlgES256,
	webauthncose.AlgEdDSA,
	webauthncose.AlgRS256,
}

var (
	errUnsupportedAlgorithm = errors.New("passkey: unsupported algorithm")
	errKeyMismatch          = errors.New("passkey: public key does not match algorithm")
	errBadSignature         = errors.New("passkey: bad signature")
)

func supported(alg int64) bool {
	for _, a := range Algorithms {
		if int64(a) == alg {
			return true
		}
	}
	return false
}

// parsePublicKey decodes a SubjectPublicKeyInfo and checks it fits alg.
func parsePublicKey(alg int64, spki []byte) (crypto.PublicKey, error) {
	if !supported(alg) {
		return nil, errUnsupportedAlgorithm
	}
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, errKeyMismatch
	}
	switch webauthncose.COSEAlgorithmIdentifier(alg) {
	case webauthncose.AlgES256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok || k.Curve != elliptic.P256() {
			return nil, errKeyMismatch
		}
	case webauthncose.AlgEdDSA:
		if _, ok := pub.(ed25519.PublicKey); !ok {
			return nil, errKeyMismatch
		}
	case webauthncose.AlgRS256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok || k.N.BitLen() < 2048 {
			return nil, errKeyMismatch
		}
	}
	return pub, nil
}

// verifyAssertion checks sig over authData || SHA-256(clientDataJSON).
func verifyAssertion(alg int64, spki, authData, clientDataJSON, sig []byte) error {
	pub, err := parsePublicKey(alg, spki)
	if err != nil {
		return err
	}
	clientHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(clientHash))
	signed = append(signed, authData...)
	signed = append(signed, clientHash[:]...)

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(signed)
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return errBadSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, signed, sig) {
			return errBadSignature
		}
	case *rsa.PublicKey:
		digest := sha256.Sum256(signed)
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) != nil {
			return errBadSignature
		}
	default:
		return errUnsupportedAlgorithm
	}
	return nil
}
