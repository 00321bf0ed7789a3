package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2.Version is 0x13 (19).
const argon2Version = 19

var b64 = base64.RawStdEncoding

// phc is a decoded Argon2id PHC string:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (h phc) String() string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		b64.EncodeToString(h.salt),
		b64.EncodeToString(h.key),
	)
}

func derive(password string, salt []byte, p Argon2idParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// Hash hashes a password using Argon2id and returns the PHC string.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{
		params: c.Params,
		salt:   salt,
		key:    derive(password, salt, c.Params, c.Params.KeyLength),
	}
	return h.String(), nil
}

// Verify checks whether password matches the given encoded hash.
// Returns (true, nil) for a match, (false, nil) for mismatch,
// and (false, ErrInvalidHash) for malformed/unsupported hashes.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	// Stored parameters are attacker-influenced if the row is; refuse anything far
	// above the configured cost.
	if !withinReasonableBounds(h.params, c.Params) {
		return false, ErrInvalidHash
	}

	key := derive(password, h.salt, h.params, uint32(len(h.key))) // #nosec G115 -- key length bounded by withinReasonableBounds.
	return subtle.ConstantTimeCompare(key, h.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters than c.
// Malformed hashes report false; Verify rejects them anyway.
func (c Config) NeedsRehash(encoded string) bool {
	h, err := parsePHC(encoded)
	if err != nil {
		return false
	}
	p := h.params
	return p.MemoryKiB < c.Params.MemoryKiB ||
		p.Iterations < c.Params.Iterations ||
		p.Parallelism < c.Params.Parallelism ||
		p.SaltLength < c.Params.SaltLength ||
		p.KeyLength < c.Params.KeyLength
}

// Usable reports whether encoded is a decodable Argon2id hash.
// Placeholder markers stored for wallet-only principals are not usable.
func Usable(encoded string) bool {
	_, err := parsePHC(encoded)
	return err == nil
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Older, cheaper settings stay verifiable.
	switch {
	case got.MemoryKiB > limits.MemoryKiB*2,
		got.Iterations > limits.Iterations*2,
		got.Parallelism > limits.Parallelism*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return phc{}, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by the encoded string length.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by the encoded string length.
		},
		salt: salt,
		key:  key,
	}, nil
}
