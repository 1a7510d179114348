package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestEstimateExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second).UTC()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got := EstimateExpiry(signed)
	if !got.Equal(exp) {
		t.Fatalf("got %v, want %v", got, exp)
	}
}

func TestEstimateExpiryOpaqueToken(t *testing.T) {
	if got := EstimateExpiry("not-a-jwt"); !got.IsZero() {
		t.Fatalf("opaque token produced expiry %v", got)
	}
}

func TestEstimateExpiryNoExpClaim(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := tok.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := EstimateExpiry(signed); !got.IsZero() {
		t.Fatalf("token without exp produced expiry %v", got)
	}
}
