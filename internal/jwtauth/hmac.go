package jwtauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are carried by tokens the relay mints for its own access
// tokens.
type AccessClaims struct {
	AccessToken string `json:"accessToken"`
	jwt.RegisteredClaims
}

// HMAC signs and verifies HS256 tokens with a shared key.
type HMAC struct {
	key    []byte
	leeway time.Duration
}

// NewHMAC returns an HMAC signer/verifier. The key must not be empty.
func NewHMAC(key []byte) (*HMAC, error) {
	if len(key) == 0 {
		return nil, errors.New("hmac key is required")
	}
	return &HMAC{key: append([]byte(nil), key...), leeway: 60 * time.Second}, nil
}

// Sign mints a token for accessToken valid for ttl from now.
func (h *HMAC) Sign(accessToken string, now time.Time, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		AccessToken: accessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.key)
}

// Verify parses tok and returns the access token it carries.
func (h *HMAC) Verify(tok string) (string, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		return h.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(h.leeway),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.AccessToken == "" {
		return "", fmt.Errorf("%w: missing accessToken", ErrUnauthorized)
	}
	return claims.AccessToken, nil
}
