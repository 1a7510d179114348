package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EstimateExpiry extracts the exp claim from an access token without verifying
// its signature. The client holds no verification key and must not trust the
// claim for authorization decisions; it is an estimate used to log and to size
// credential lifetimes. Returns the zero time when the token is opaque or
// carries no exp claim.
func EstimateExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.UTC()
}
