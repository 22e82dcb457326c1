package api

import (
	"net/http"
	"slices"
)

// CORS sets origin-gated CORS headers and the JSON content type on every
// response before any handler runs, and answers preflight requests. A
// request Origin on the allow-list is echoed; any other origin gets the
// first entry of the list.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := allowedOrigin(r.Header.Get("Origin"), allowed); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, OpenAI-Beta")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
			h.Set("Content-Type", "application/json")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(origin string, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	if origin != "" && slices.Contains(allowed, origin) {
		return origin
	}
	return allowed[0]
}
