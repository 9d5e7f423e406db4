// Package auth resolves client credentials to shiro-style permissions.
//
// Credentials are an API secret (raw, or its SHA-1 hex digest) or a token.
// Tokens are subject access tokens of the form "<name>-<16 hex digits>",
// HS256 JWTs minted by IssueToken (served by TokenHandler) for such a
// subject, or JWTs from an external OIDC issuer whose role claim is mapped
// through the role table.
// Callers without credentials get the configured default roles.
//
// Permissions are colon-separated parts such as "api:treatments:create".
// A granted "*" part matches anything in that position and a shorter
// granted permission covers everything beneath it:
//
//	auth.Check("api:entries:read", []string{"*:*:read"})            // true
//	auth.CheckMultiple("api:*:create,update", []string{"api:*:create"}) // false
//
// Roles and subjects live in two collections and are held in memory;
// Storage().Reload refreshes them and clears the resolution cache. JWTs
// are never cached.
package auth
