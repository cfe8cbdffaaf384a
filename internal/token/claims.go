package token

import (
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

var peekAlgorithms = []gojose.SignatureAlgorithm{
	gojose.HS256, gojose.HS384, gojose.HS512,
	gojose.RS256, gojose.RS384, gojose.RS512,
	gojose.ES256, gojose.ES384, gojose.ES512,
	gojose.PS256, gojose.PS384, gojose.PS512,
	gojose.EdDSA,
}

// ExpiresAt reads the exp claim of a JWT session token without verifying its
// signature. The decision service enforces expiry; this is for logging only.
func ExpiresAt(token string) (time.Time, bool) {
	parsed, err := gojwt.ParseSigned(token, peekAlgorithms)
	if err != nil {
		return time.Time{}, false
	}
	var claims gojwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}
