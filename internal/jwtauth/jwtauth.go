// Package jwtauth verifies JWT bearer tokens and extracts the subject and
// role names the authorization layer maps to permissions.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for externally issued tokens.
type Config struct {
	Issuer string
	// Audiences lists accepted "aud" values. A token must carry at least one.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// RolesClaim names the claim holding role names, either a JSON array or
	// a space-delimited string. Defaults to "roles".
	RolesClaim string
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		RolesClaim:  "roles",
	}
}

// Identity is what a verified token asserts.
type Identity struct {
	Subject string
	Roles   []string
	Claims  jwt.MapClaims
}

// Verifier validates a token string. Implementations MUST perform
// signature, issuer, audience and time validations.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Identity, error)
}

// ErrUnauthorized indicates that the token failed validation (e.g.,
// signature, issuer, audience, exp/nbf).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

type keyVerifier struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer and
// returns a Verifier for tokens minted by that issuer. JWKS keys are
// auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &keyVerifier{cfg: withDefaults(cfg), issuer: meta.Issuer, keyfunc: algGuard(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

func withDefaults(cfg *Config) *Config {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	return cfg
}

func algGuard(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !slices.Contains(allowed, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return next(t)
	}
}

func (v *keyVerifier) Verify(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Identity{Subject: sub, Roles: stringsClaim(claims[v.cfg.RolesClaim]), Claims: claims}, nil
}

// stringsClaim reads a claim that is either a JSON array of strings or a
// space-delimited string.
func stringsClaim(v any) []string {
	switch vv := v.(type) {
	case string:
		return strings.Fields(vv)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	for _, have := range stringsClaim(aud) {
		if slices.Contains(wants, have) {
			return true
		}
	}
	return false
}
