package jwt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when a token cannot be split and decoded into a
// JSON claims object.
var ErrMalformed = errors.New("malformed token")

// ErrMissingUserID is returned when the claims object carries no usable
// user-id claim.
var ErrMissingUserID = errors.New("token has no user id claim")

// UserIDClaims lists the claim names checked, in order, for the principal id.
// The auth service emits "user_id"; "userId" is accepted for older tokens.
var UserIDClaims = []string{"user_id", "userId"}

// Claims is the subset of token claims the client acts on.
type Claims struct {
	UserID    string
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time

	Raw jwt.MapClaims
}

// Expired reports whether the token carried an exp claim that lies before
// now minus leeway. Tokens without exp never expire client-side.
func (c *Claims) Expired(now time.Time, leeway time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(-leeway).After(c.ExpiresAt)
}

// DecodeClaims splits a compact JWS, base64url-decodes its payload and
// extracts the user id claim. Neither the header nor the signature is
// inspected, so tokens with an unknown or missing alg still decode.
//
// Errors wrap ErrMalformed (wrong segment count, invalid base64, payload not
// a JSON object) or ErrMissingUserID.
func DecodeClaims(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}

	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	raw := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	claims := &Claims{Raw: raw}
	if sub, err := raw.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if exp, err := raw.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := raw.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}

	for _, name := range UserIDClaims {
		if id, ok := claimString(raw[name]); ok {
			claims.UserID = id
			return claims, nil
		}
	}
	return nil, ErrMissingUserID
}

// claimString normalizes string and numeric claim values. JSON numbers
// arrive as float64; integral values are rendered without an exponent.
func claimString(v interface{}) (string, bool) {
	switch value := v.(type) {
	case string:
		value = strings.TrimSpace(value)
		return value, value != ""
	case float64:
		if value != math.Trunc(value) || math.IsInf(value, 0) {
			return "", false
		}
		return strconv.FormatInt(int64(value), 10), true
	default:
		return "", false
	}
}
