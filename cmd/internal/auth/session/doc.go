// Package session implements V-ID's session model.
//
// A session is a server-side row plus a pair of PASETO v4.public tokens:
// a short-lived access token and a longer-lived refresh token. Only the
// refresh token's fingerprint is stored (HMAC-SHA256 when VDID_TOKEN_HMAC_KEY
// is set; otherwise SHA-256 for dev).
//
// Refresh rotates the row: the old session is revoked and linked to its
// replacement. Presenting a rotated refresh token again is treated as theft and
// revokes every session of the principal.
package session
