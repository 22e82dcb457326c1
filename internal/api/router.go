// Package api is the inbound HTTP surface of the relay: routing, origin
// gating, inbound auth and rate limiting, and the JSON shapes the chat
// widget consumes.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/integraled/threadrelay/internal/assistant"
	"github.com/integraled/threadrelay/internal/relay"
	"github.com/integraled/threadrelay/internal/storage"
)

// Version is reported by the handshake.
const Version = "1.0.0"

// Relay is the orchestration the router dispatches to.
type Relay interface {
	Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResult, error)
	PollRun(ctx context.Context, threadID, runID string) (relay.ChatResult, error)
	ThreadStatus(ctx context.Context, threadID string) (assistant.ThreadStatus, error)
	DeepLink(r relay.LinkRequest) (string, error)
}

type Options struct {
	Relay          Relay
	AllowedOrigins []string
	// Token, when set, is required as a bearer token on the relay routes.
	Token    string
	LoginURL string
	// RateLimitRPS > 0 enables per-client rate limiting of relay routes.
	RateLimitRPS   float64
	RateLimitBurst int
	// Store, when set, exposes the interaction log under /interactions.
	Store  *storage.Store
	Logger *slog.Logger
}

// NewRouter builds the relay's HTTP handler.
func NewRouter(o Options) http.Handler {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(CORS(o.AllowedOrigins))
	r.Use(requestID)
	r.Use(instrument(logger))
	r.Use(recoverer(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	})

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/handshake", handleHandshake)
	r.Get("/", handleHandshake)

	r.Group(func(r chi.Router) {
		if o.Token != "" {
			r.Use(BearerAuth(o.Token, o.LoginURL))
		}
		if o.RateLimitRPS > 0 {
			r.Use(RateLimit(o.RateLimitRPS, o.RateLimitBurst))
		}
		r.Post("/chat", handleChat(o.Relay))
		r.Post("/", handleChat(o.Relay))
		r.Post("/thread-status", handleThreadStatus(o.Relay))
		r.Post("/run-status", handleRunStatus(o.Relay))
		r.Post("/generate-url", handleGenerateURL(o.Relay))

		if o.Store != nil {
			r.Get("/interactions", handleListInteractions(o.Store))
			r.Get("/interactions/stats", handleInteractionStats(o.Store))
			r.Get("/interactions/{id}", handleGetInteraction(o.Store))
		}
	})

	return r
}
