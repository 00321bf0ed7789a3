package wallet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageVersion is the EIP-4361 message version.
const MessageVersion = "1"

// TimeLayout renders message timestamps as UTC ISO 8601 with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformedMessage is returned when a message does not follow the sign-in layout.
var ErrMalformedMessage = errors.New("wallet: malformed sign-in message")

// MessageParams are the fields of a sign-in message.
type MessageParams struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
}

const headerSuffix = " wants you to sign in with your Ethereum account:"

// CreateMessage renders p in the EIP-4361 line layout.
//
// English comment:
// - The output is the signed payload; any change to spacing or order breaks verification.
// - Version defaults to MessageVersion.
func CreateMessage(p MessageParams) string {
	version := p.Version
	if version == "" {
		version = MessageVersion
	}
	var b strings.Builder
	b.WriteString(p.Domain)
	b.WriteString(headerSuffix)
	b.WriteString("\n")
	b.WriteString(p.Address)
	b.WriteString("\n\n")
	b.WriteString(p.Statement)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "URI: %s\n", p.URI)
	fmt.Fprintf(&b, "Version: %s\n", version)
	fmt.Fprintf(&b, "Chain ID: %d\n", p.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", p.Nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", p.IssuedAt.UTC().Format(TimeLayout))
	fmt.Fprintf(&b, "Expiration Time: %s", p.ExpirationTime.UTC().Format(TimeLayout))
	return b.String()
}

// ParseMessage is the inverse of CreateMessage.
// Only messages that re-render byte-for-byte are accepted.
func ParseMessage(msg string) (MessageParams, error) {
	lines := strings.Split(msg, "\n")
	if len(lines) != 11 || lines[2] != "" || lines[4] != "" {
		return MessageParams{}, ErrMalformedMessage
	}

	domain, ok := strings.CutSuffix(lines[0], headerSuffix)
	if !ok || domain == "" || !tight(domain) || !tight(lines[1]) || !tight(lines[3]) {
		return MessageParams{}, ErrMalformedMessage
	}

	fields := make([]string, 0, 6)
	for i, prefix := range []string{"URI: ", "Version: ", "Chain ID: ", "Nonce: ", "Issued At: ", "Expiration Time: "} {
		v, ok := strings.CutPrefix(lines[5+i], prefix)
		if !ok || v == "" || !tight(v) {
			return MessageParams{}, ErrMalformedMessage
		}
		fields = append(fields, v)
	}

	chainID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || chainID <= 0 {
		return MessageParams{}, ErrMalformedMessage
	}
	issuedAt, err := time.Parse(TimeLayout, fields[4])
	if err != nil {
		return MessageParams{}, ErrMalformedMessage
	}
	expiresAt, err := time.Parse(TimeLayout, fields[5])
	if err != nil {
		return MessageParams{}, ErrMalformedMessage
	}

	p := MessageParams{
		Domain:         domain,
		Address:        lines[1],
		Statement:      lines[3],
		URI:            fields[0],
		Version:        fields[1],
		ChainID:        chainID,
		Nonce:          fields[3],
		IssuedAt:       issuedAt.UTC(),
		ExpirationTime: expiresAt.UTC(),
	}
	if p.Version != MessageVersion || CreateMessage(p) != msg {
		return MessageParams{}, ErrMalformedMessage
	}
	return p, nil
}

// tight reports whether s carries no leading or trailing whitespace.
func tight(s string) bool {
	return s == strings.TrimSpace(s)
}
