package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
	"strings"
)

// DIDMethod is the method segment of every V-ID decentralized identifier.
const DIDMethod = "vid"

// Supported DID networks.
const (
	NetworkEthereum = "ethereum"
	NetworkBase     = "base"
	NetworkPolygon  = "polygon"
	NetworkArbitrum = "arbitrum"
	NetworkOptimism = "optimism"
	NetworkTestnet  = "testnet"
)

var didRe = regexp.MustCompile(`^did:vid:(ethereum|base|polygon|arbitrum|optimism|testnet):([a-fA-F0-9]{32,42})$`)

var addressHexRe = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)

// ErrInvalidDID is returned for identifiers that do not match the DID shape.
var ErrInvalidDID = errors.New("ids: invalid did")

// DID is a parsed did:vid:<network>:<identifier>.
type DID struct {
	Network    string
	Identifier string
}

func (d DID) String() string {
	return "did:" + DIDMethod + ":" + d.Network + ":" + d.Identifier
}

// KnownNetwork reports whether network is on the DID allow-list.
func KnownNetwork(network string) bool {
	switch network {
	case NetworkEthereum, NetworkBase, NetworkPolygon, NetworkArbitrum, NetworkOptimism, NetworkTestnet:
		return true
	default:
		return false
	}
}

// NewWalletDID builds a DID for a wallet-originated principal.
// The checksummed address is kept verbatim, minus its 0x prefix.
func NewWalletDID(network, address string) (string, error) {
	if !KnownNetwork(network) {
		return "", ErrInvalidDID
	}
	a := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(address), "0x"), "0X")
	if !addressHexRe.MatchString(a) {
		return "", ErrInvalidDID
	}
	return DID{Network: network, Identifier: a}.String(), nil
}

// NewRandomDID builds a DID with a random 16-byte identifier. A nil reader uses crypto/rand.
func NewRandomDID(network string, r io.Reader) (string, error) {
	if !KnownNetwork(network) {
		return "", ErrInvalidDID
	}
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrEntropy
	}
	return DID{Network: network, Identifier: hex.EncodeToString(b)}.String(), nil
}

// ParseDID parses s, returning ErrInvalidDID when it is not a supported DID.
func ParseDID(s string) (DID, error) {
	m := didRe.FindStringSubmatch(s)
	if m == nil {
		return DID{}, ErrInvalidDID
	}
	return DID{Network: m[1], Identifier: m[2]}, nil
}

// ValidDID reports whether s is a supported DID.
func ValidDID(s string) bool { return didRe.MatchString(s) }
