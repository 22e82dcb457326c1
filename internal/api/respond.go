package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/integraled/threadrelay/internal/protocol"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

type errorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message,omitempty"`
	Status  protocol.Code   `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// httpError writes {error, message?}.
func httpError(w http.ResponseWriter, code int, msg, detail string) {
	writeJSON(w, code, errorBody{Error: msg, Message: detail})
}

// outcomeError writes {error, message?} together with the protocol
// envelope of o, so that the frontend can dispatch on it.
func outcomeError(w http.ResponseWriter, code int, msg, detail string, o protocol.Outcome) {
	body := errorBody{Error: msg, Message: detail}
	if env, err := protocol.Encode(o); err == nil {
		body.Status = env.Status
		body.Payload = env.Payload
	}
	writeJSON(w, code, body)
}
