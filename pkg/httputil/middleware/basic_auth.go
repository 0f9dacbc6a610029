package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/edgeflare/devcall/pkg/httputil"
)

const basicRealm = `Basic realm="devcall", charset="UTF-8"`

// BasicAuthConfig holds the username-password pairs for basic authentication.
type BasicAuthConfig struct {
	Credentials map[string]string
}

// BasicAuthCreds creates a new instance of BasicAuthConfig with multiple username/password pairs.
func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{
		Credentials: credentials,
	}
}

func (c *BasicAuthConfig) valid(username, password string) bool {
	want, ok := c.Credentials[username]
	// compare against something even for unknown users
	if !ok {
		want = "\x00"
	}
	match := subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
	return ok && match
}

// VerifyBasicAuth rejects requests without valid credentials with a JSON 401
// and stores the authenticated username for httputil.BasicAuthUser.
func VerifyBasicAuth(config *BasicAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				unauthorized(w, "authorization required")
				return
			}
			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w, "malformed basic credentials")
				return
			}
			if !config.valid(username, password) {
				unauthorized(w, "invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", basicRealm)
	httputil.Error(w, http.StatusUnauthorized, msg)
}
