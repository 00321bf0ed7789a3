package wallet

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testParams() MessageParams {
	issued := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	return MessageParams{
		Domain:         "id.example.com",
		Address:        "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045",
		Statement:      DefaultStatement,
		URI:            "https://id.example.com",
		Version:        MessageVersion,
		ChainID:        8453,
		Nonce:          "3f2a",
		IssuedAt:       issued,
		ExpirationTime: issued.Add(10 * time.Minute),
	}
}

func TestCreateMessage_Layout(t *testing.T) {
	want := "id.example.com wants you to sign in with your Ethereum account:\n" +
		"0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045\n" +
		"\n" +
		DefaultStatement + "\n" +
		"\n" +
		"URI: https://id.example.com\n" +
		"Version: 1\n" +
		"Chain ID: 8453\n" +
		"Nonce: 3f2a\n" +
		"Issued At: 2026-02-03T04:05:06.789Z\n" +
		"Expiration Time: 2026-02-03T04:15:06.789Z"

	if got := CreateMessage(testParams()); got != want {
		t.Fatalf("layout mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestParseMessage_RoundTrip(t *testing.T) {
	p := testParams()
	msg := CreateMessage(p)

	got, err := ParseMessage(msg)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.Domain != p.Domain || got.Address != p.Address || got.Statement != p.Statement ||
		got.URI != p.URI || got.ChainID != p.ChainID || got.Nonce != p.Nonce ||
		!got.IssuedAt.Equal(p.IssuedAt) || !got.ExpirationTime.Equal(p.ExpirationTime) {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got, p)
	}
	if CreateMessage(got) != msg {
		t.Fatalf("re-render mismatch")
	}
}

func TestParseMessage_RejectsTampering(t *testing.T) {
	msg := CreateMessage(testParams())

	cases := map[string]string{
		"empty":          "",
		"crlf":           strings.ReplaceAll(msg, "\n", "\r\n"),
		"trailing nl":    msg + "\n",
		"bad header":     strings.Replace(msg, "wants you to sign in", "asks you to sign in", 1),
		"bad chain":      strings.Replace(msg, "Chain ID: 8453", "Chain ID: base", 1),
		"zero chain":     strings.Replace(msg, "Chain ID: 8453", "Chain ID: 0", 1),
		"bad version":    strings.Replace(msg, "Version: 1", "Version: 2", 1),
		"bad time":       strings.Replace(msg, "Issued At: 2026-02-03T04:05:06.789Z", "Issued At: yesterday", 1),
		"non canonical":  strings.Replace(msg, ".789Z", ".789+00:00", 1),
		"missing nonce":  strings.Replace(msg, "Nonce: 3f2a", "Nonce: ", 1),
		"extra spaces":   strings.Replace(msg, "URI: ", "URI:  ", 1),
		"padded nonce":   strings.Replace(msg, "Nonce: 3f2a", "Nonce: 3f2a ", 1),
		"padded address": strings.Replace(msg, "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045", " 0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045", 1),
		"padded domain":  strings.Replace(msg, "id.example.com wants", "id.example.com\t wants", 1),
		"swapped fields": strings.Replace(strings.Replace(msg, "URI: ", "XURI: ", 1), "Version: ", "URI: ", 1),
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMessage(m); !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestChains(t *testing.T) {
	cases := []struct {
		id     int64
		name   string
		symbol string
	}{
		{1, "Ethereum", "ETH"},
		{10, "Optimism", "ETH"},
		{56, "BNB Smart Chain", "BNB"},
		{137, "Polygon", "POL"},
		{8453, "Base", "ETH"},
		{42161, "Arbitrum One", "ETH"},
		{11155111, "Sepolia", "ETH"},
		{84532, "Base Sepolia", "ETH"},
		{999999, "Unknown", "ETH"},
	}
	for _, tc := range cases {
		c := LookupChain(tc.id)
		if c.ID != tc.id || c.Name != tc.name || c.Symbol != tc.symbol {
			t.Fatalf("LookupChain(%d) = %+v", tc.id, c)
		}
	}

	all := Chains()
	if len(all) != 8 {
		t.Fatalf("expected 8 chains, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("chains not ordered: %+v", all)
		}
	}
	if KnownChain(999999) || !KnownChain(8453) {
		t.Fatalf("KnownChain mismatch")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := DefaultConfig()
	bad.Statement = "two\nlines"
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for multi-line statement, got %v", err)
	}

	t.Setenv("VDID_SIWE_DOMAIN", "id.example.com")
	t.Setenv("VDID_WALLET_NONCE_TTL", "5m")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Domain != "id.example.com" || cfg.NonceTTL != 5*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("VDID_WALLET_NONCE_TTL", "2h")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for ttl above an hour, got %v", err)
	}
}
