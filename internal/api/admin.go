package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/integraled/threadrelay/internal/storage"
)

type interactionView struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	UserID       string `json:"user_id,omitempty"`
	Organization string `json:"organization,omitempty"`
	AssistantID  string `json:"assistant_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Message      string `json:"message"`
	Reply        string `json:"reply,omitempty"`
	Outcome      string `json:"outcome"`
	HTTPStatus   int    `json:"http_status"`
	DurationMS   int64  `json:"duration_ms"`
}

func viewOf(i storage.Interaction) interactionView {
	return interactionView{
		ID:           i.ID,
		CreatedAt:    i.CreatedAt.UTC().Format(time.RFC3339),
		UserID:       i.UserID,
		Organization: i.Organization,
		AssistantID:  i.AssistantID,
		ThreadID:     i.ThreadID,
		RunID:        i.RunID,
		Message:      i.Message,
		Reply:        i.Reply,
		Outcome:      i.Outcome,
		HTTPStatus:   i.HTTPStatus,
		DurationMS:   i.Duration.Milliseconds(),
	}
}

// handleListInteractions returns the newest interactions, or the whole
// history of one thread when ?thread_id is set.
func handleListInteractions(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			list []storage.Interaction
			err  error
		)
		if thread := r.URL.Query().Get("thread_id"); thread != "" {
			list, err = store.ThreadInteractions(r.Context(), thread)
		} else {
			list, err = store.RecentInteractions(r.Context(), parseIntParam(r, "limit", 20, 100))
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Internal server error", "failed to list interactions")
			return
		}

		views := make([]interactionView, 0, len(list))
		for _, i := range list {
			views = append(views, viewOf(i))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetInteraction(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := store.GetInteraction(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Not Found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Internal server error", "failed to get interaction")
			return
		}
		writeJSON(w, http.StatusOK, viewOf(i))
	}
}

func handleInteractionStats(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.OutcomeCounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Internal server error", "failed to count interactions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcomes": counts})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
