package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-offline/internal/audit"
)

// BearerAuth guards control paths with a shared token. An empty token
// disables the check; the agent then relies on its loopback bind address.
type BearerAuth struct {
	token string
}

func NewBearerAuth(token string) *BearerAuth {
	return &BearerAuth{token: strings.TrimSpace(token)}
}

func (a *BearerAuth) Enabled() bool { return a.token != "" }

// Allow reports whether r carries the configured token.
func (a *BearerAuth) Allow(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	candidate := ExtractToken(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) == 1
}

// Wrap rejects requests without the token.
func (a *BearerAuth) Wrap(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ExtractToken(r) == "" {
			audit.Record(audit.Deny, r.Method+" "+r.URL.Path, "missing token", r.RemoteAddr, "")
			writeJSONError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if !a.Allow(r) {
			audit.Record(audit.Deny, r.Method+" "+r.URL.Path, "invalid token", r.RemoteAddr, "")
			writeJSONError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the control token. It checks, in order:
// Authorization: Bearer <token>, X-Agent-Token, and the token query param
// (browsers cannot set headers on a websocket handshake).
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if tok := r.Header.Get("X-Agent-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}
