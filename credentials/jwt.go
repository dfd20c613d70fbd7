package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HSVerifier is the built-in JWTVerifier for HMAC-signed credentials. Issuers
// using asymmetric DID keys plug in their own JWTVerifier instead.
type HSVerifier struct {
	secret []byte
}

// NewHSVerifier builds a verifier over a shared secret.
func NewHSVerifier(secret []byte) (*HSVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("credentials: hmac secret is required")
	}
	return &HSVerifier{secret: secret}, nil
}

// VerifyJWT checks the token signature and registered claims. A failed
// verification is reported in the outcome, not as an error.
func (v *HSVerifier) VerifyJWT(ctx context.Context, token string) (JWTVerification, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return JWTVerification{Verified: false, Error: err.Error()}, nil
	}
	if !parsed.Valid {
		return JWTVerification{Verified: false, Error: "token invalid"}, nil
	}
	return JWTVerification{Verified: true}, nil
}
