package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// tokenAuth guards the API and viewer endpoints with a single shared bearer
// token whose bcrypt hash is configured.
type tokenAuth struct {
	hash      []byte
	protected func(path string) bool
	logger    *zap.Logger

	// verified caches the last token that matched the hash so bcrypt runs
	// once per distinct token rather than per request.
	mu       sync.RWMutex
	verified []byte
}

func newTokenAuth(hash string, protected func(string) bool, logger *zap.Logger) *tokenAuth {
	return &tokenAuth{hash: []byte(hash), protected: protected, logger: logger}
}

// HashToken returns the bcrypt hash to configure as auth.token_hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (a *tokenAuth) enabled() bool {
	return len(a.hash) > 0
}

func (a *tokenAuth) Wrap(next http.Handler) http.Handler {
	if !a.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if !a.verify(token) {
			a.logger.Warn("rejected request with invalid token",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *tokenAuth) verify(token string) bool {
	a.mu.RLock()
	cached := a.verified
	a.mu.RUnlock()
	if cached != nil && subtle.ConstantTimeCompare(cached, []byte(token)) == 1 {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false
	}
	a.mu.Lock()
	a.verified = []byte(token)
	a.mu.Unlock()
	return true
}

// bearerToken reads "Authorization: Bearer <token>" and falls back to the
// access_token query parameter, which browsers must use for WebSockets.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
