package identity

import (
	"encoding/hex"
	"net/mail"
	"strings"

	"golang.org/x/crypto/sha3"
)

// MaxEmailLength bounds stored addresses (RFC 5321 path limit).
const MaxEmailLength = 254

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateEmail checks the shape of an email address and returns its normalized form.
// The error is a FieldError on "email".
func ValidateEmail(op, s string) (string, error) {
	n := NormalizeEmail(s)
	if n == "" {
		return "", FieldError{Op: op, Field: "email", Reason: "required"}
	}
	if len(n) > MaxEmailLength {
		return "", FieldError{Op: op, Field: "email", Reason: "too long"}
	}
	addr, err := mail.ParseAddress(n)
	if err != nil || addr.Address != n || addr.Name != "" {
		return "", FieldError{Op: op, Field: "email", Reason: "malformed"}
	}
	at := strings.LastIndexByte(n, '@')
	if at <= 0 || !strings.Contains(n[at+1:], ".") || strings.HasSuffix(n, ".") {
		return "", FieldError{Op: op, Field: "email", Reason: "malformed"}
	}
	return n, nil
}

// NormalizeAddress validates a 0x-prefixed EVM address and returns its EIP-55 checksummed form.
// The error is a FieldError on "address".
func NormalizeAddress(op, address string) (string, error) {
	a := strings.TrimSpace(address)
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		return "", FieldError{Op: op, Field: "address", Reason: "must start with 0x"}
	}
	raw := strings.ToLower(a[2:])
	if len(raw) != 40 {
		return "", FieldError{Op: op, Field: "address", Reason: "must be 40 hex characters"}
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", FieldError{Op: op, Field: "address", Reason: "must be hex"}
	}
	return ChecksumAddress(raw), nil
}

// AddressKey is the case-folded form used for uniqueness.
func AddressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ChecksumAddress applies the EIP-55 mixed-case checksum to a 40-char hex address (no 0x).
func ChecksumAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := Keccak256([]byte(addr))

	result := make([]byte, 2+len(addr))
	result[0] = '0'
	result[1] = 'x'
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		nibble &= 0x0f
		if nibble >= 8 && c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		result[i+2] = c
	}
	return string(result)
}

// Keccak256 is the legacy (pre-NIST) Keccak-256 digest used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}
