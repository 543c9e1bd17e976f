// Package jwt decodes the claims segment of bearer tokens issued by the
// Tide Flow auth service.
//
// The client never holds a verification key, so tokens are decoded without
// signature verification. The decoded claims are used only to locate the
// principal (user id) and to detect expiry before a network round-trip; every
// authorization decision is still made by the backend when the token is
// presented.
package jwt
