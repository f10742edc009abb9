package pinsync

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpired reports whether a session JWT carries an exp claim in the
// past. The token is not verified: the liveness probe is the authority on
// session validity, this is only an early staleness signal that lets the
// monitor go offline without waiting for a remote round trip. Tokens without
// an exp claim, and unparsable tokens, are treated as live.
func tokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
