package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTokenTTL is the lifetime of tokens minted by TokenHandler.
const DefaultTokenTTL = 8 * time.Hour

// TokenHandler exchanges a subject access token, taken from the
// "accessToken" path value, for a relay-signed JWT.
func (a *Authorization) TokenHandler(ttl time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issued, err := a.IssueToken(r.PathValue("accessToken"), time.Now(), ttl)
		switch {
		case errors.Is(err, ErrUnauthorized):
			a.log.InfoContext(r.Context(), "auth.token.denied")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		case err != nil:
			a.log.ErrorContext(r.Context(), "auth.token.fail", slog.String("err", err.Error()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		a.log.InfoContext(r.Context(), "auth.token.ok", slog.String("subject", issued.Subject))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(issued)
	})
}
