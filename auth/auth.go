package auth

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/cgm-relay-go/internal/jwtauth"
	"github.com/ggoodman/cgm-relay-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnauthorized indicates the supplied credentials were not recognized.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials are what a client presents. Both may be empty.
type Credentials struct {
	// APISecret is the raw secret or its SHA-1 hex digest.
	APISecret string
	// Token is an access token, a relay-issued JWT or an external OIDC JWT.
	Token string
}

// Result is a resolved set of permissions.
type Result struct {
	Subject     string
	Roles       []string
	Permissions []string
}

// Config is the static part of the authorization setup.
type Config struct {
	APISecret          string
	RolesCollection    string
	SubjectsCollection string
	// DefaultRoles are granted to callers presenting no credentials,
	// space or comma separated.
	DefaultRoles string
}

// Option configures an Authorization.
type Option func(*Authorization)

// WithVerifier accepts externally issued JWTs. Their role names are mapped
// through the role table.
func WithVerifier(v jwtauth.Verifier) Option {
	return func(a *Authorization) { a.verifier = v }
}

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(a *Authorization) { a.log = slog.New(h) }
}

// WithCacheSize bounds the resolved-credential cache.
func WithCacheSize(n int) Option {
	return func(a *Authorization) { a.cacheSize = n }
}

// Authorization resolves credentials to permissions.
type Authorization struct {
	secret       string
	secretHash   string
	defaultRoles []string
	storage      *Storage
	hmac         *jwtauth.HMAC
	verifier     jwtauth.Verifier
	log          *slog.Logger
	cacheSize    int
	cache        *lru.Cache[string, *Result]
}

// New builds an Authorization over the role and subject collections of
// store. Call Storage().Reload before use.
func New(store storage.Store, cfg Config, opts ...Option) (*Authorization, error) {
	a := &Authorization{
		secret:       cfg.APISecret,
		defaultRoles: strings.FieldsFunc(cfg.DefaultRoles, func(r rune) bool { return r == ' ' || r == ',' }),
		log:          slog.New(slog.DiscardHandler),
		cacheSize:    256,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.secret != "" {
		sum := sha1.Sum([]byte(a.secret))
		a.secretHash = hex.EncodeToString(sum[:])
		h, err := jwtauth.NewHMAC([]byte(a.secretHash))
		if err != nil {
			return nil, err
		}
		a.hmac = h
	}
	cache, err := lru.New[string, *Result](a.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth cache: %w", err)
	}
	a.cache = cache

	rolesName, subjectsName := cfg.RolesCollection, cfg.SubjectsCollection
	if rolesName == "" {
		rolesName = "auth_roles"
	}
	if subjectsName == "" {
		subjectsName = "auth_subjects"
	}
	a.storage = newStorage(store, rolesName, subjectsName, a.secretHash)
	a.storage.afterReload = a.cache.Purge
	return a, nil
}

// Storage returns the role and subject store.
func (a *Authorization) Storage() *Storage { return a.storage }

// CheckMultiple reports whether permissions grant every permission the
// pattern expands to.
func (a *Authorization) CheckMultiple(pattern string, permissions []string) bool {
	return CheckMultiple(pattern, permissions)
}

// Resolve maps credentials to a Result. An API secret that does not match,
// or a token that is not recognized, yields ErrUnauthorized. No credentials
// yield the default roles.
//
// Secrets and access tokens are cached until the next Reload. JWTs are
// verified on every call since they expire and their keys rotate.
func (a *Authorization) Resolve(ctx context.Context, c Credentials) (*Result, error) {
	if c.APISecret == "" && c.Token == "" {
		return a.anonymous(), nil
	}
	cacheable := !isJWT(c)
	key := cacheKey(c)
	if cacheable {
		if r, ok := a.cache.Get(key); ok {
			return r, nil
		}
	}
	r, err := a.resolve(ctx, c)
	if err != nil {
		a.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return nil, err
	}
	a.log.DebugContext(ctx, "auth.ok", slog.String("subject", r.Subject))
	if cacheable {
		a.cache.Add(key, r)
	}
	return r, nil
}

func isJWT(c Credentials) bool {
	return c.APISecret == "" && strings.Count(c.Token, ".") == 2
}

func (a *Authorization) resolve(ctx context.Context, c Credentials) (*Result, error) {
	if c.APISecret != "" {
		if !a.secretMatches(c.APISecret) {
			return nil, fmt.Errorf("%w: api secret mismatch", ErrUnauthorized)
		}
		return &Result{Subject: "admin", Roles: []string{"admin"}, Permissions: []string{"*"}}, nil
	}

	tok := c.Token
	if isJWT(c) {
		var errs []error
		if a.hmac != nil {
			access, err := a.hmac.Verify(tok)
			if err == nil {
				return a.fromAccessToken(access)
			}
			errs = append(errs, err)
		}
		if a.verifier != nil {
			id, err := a.verifier.Verify(ctx, tok)
			if err == nil {
				return &Result{Subject: id.Subject, Roles: id.Roles, Permissions: a.storage.Permissions(id.Roles)}, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			errs = append(errs, errors.New("no jwt verifier configured"))
		}
		return nil, errors.Join(ErrUnauthorized, errors.Join(errs...))
	}
	return a.fromAccessToken(tok)
}

func (a *Authorization) fromAccessToken(tok string) (*Result, error) {
	sub, ok := a.storage.SubjectByAccessToken(tok)
	if !ok {
		return nil, fmt.Errorf("%w: unknown access token", ErrUnauthorized)
	}
	return &Result{Subject: sub.Name, Roles: sub.Roles, Permissions: a.storage.Permissions(sub.Roles)}, nil
}

func (a *Authorization) anonymous() *Result {
	return &Result{
		Subject:     "anonymous",
		Roles:       append([]string(nil), a.defaultRoles...),
		Permissions: a.storage.Permissions(a.defaultRoles),
	}
}

func (a *Authorization) secretMatches(presented string) bool {
	if a.secret == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.secret)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(presented)), []byte(a.secretHash)) == 1
}

// IssuedToken is a relay-signed JWT for a subject.
type IssuedToken struct {
	Token     string   `json:"token"`
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

// IssueToken mints a JWT for a subject's access token, signed with the API
// secret hash.
func (a *Authorization) IssueToken(accessToken string, now time.Time, ttl time.Duration) (*IssuedToken, error) {
	if a.hmac == nil {
		return nil, errors.New("auth: no api secret configured")
	}
	sub, ok := a.storage.SubjectByAccessToken(accessToken)
	if !ok {
		return nil, fmt.Errorf("%w: unknown access token", ErrUnauthorized)
	}
	tok, err := a.hmac.Sign(accessToken, now, ttl)
	if err != nil {
		return nil, err
	}
	return &IssuedToken{
		Token:     tok,
		Subject:   sub.Name,
		Roles:     append([]string(nil), sub.Roles...),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}, nil
}

func cacheKey(c Credentials) string {
	sum := sha1.Sum([]byte(c.APISecret + "\x00" + c.Token))
	return hex.EncodeToString(sum[:])
}
