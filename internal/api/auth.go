package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/integraled/threadrelay/internal/protocol"
)

// BearerAuth rejects requests without the expected bearer token. The 401
// body carries the 420 outcome so the widget can prompt for login.
func BearerAuth(token, loginURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				const msg = "Authentication required"
				outcomeError(w, http.StatusUnauthorized, msg, "invalid or missing bearer token",
					protocol.AuthRequired{Err: msg, LoginURL: loginURL})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
