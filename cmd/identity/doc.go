// Package identity holds V-ID's principal model and its persistence boundary.
//
// It defines the typed value objects (Principal, WalletIdentity, Passkey,
// ScoreHistoryEntry), the error taxonomy shared by every auth flow, input
// normalization, and the Store interfaces with in-memory and PostgreSQL
// implementations. Loosely typed rows never leave this package.
package identity
