// Package assistanttest provides an in-memory Assistants API for tests.
package assistanttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// Route names accepted by FailNext and Calls.
const (
	RouteCreateThread = "create_thread"
	RouteListMessages = "list_messages"
	RouteAddMessage   = "add_message"
	RouteCreateRun    = "create_run"
	RouteGetRun       = "get_run"
	RouteListRuns     = "list_runs"
	RouteListModels   = "list_models"
)

// ToolCall is returned as the required action of runs whose script reaches
// "requires_action".
type ToolCall struct {
	Name      string
	Arguments string
}

// Server is a fake Assistants API. Exported fields may be set before the
// first request.
type Server struct {
	*httptest.Server

	// APIKey, when set, is the only bearer token accepted.
	APIKey string
	// RunScript is the status sequence reported by successive checks of a
	// new run; the last entry repeats.
	RunScript []string
	// Reply is the assistant message added when a run completes.
	Reply string
	// LastError is reported on runs that end "failed".
	LastError string
	// Tool is reported on runs that reach "requires_action".
	Tool *ToolCall
	// StatusDelay stalls every run status check.
	StatusDelay time.Duration

	mu       sync.Mutex
	seq      int
	threads  map[string]*thread
	failNext map[string][]int
	stall    map[string]time.Duration
	calls    map[string]int
	headers  []http.Header
}

type thread struct {
	id       string
	metadata map[string]any
	messages []*message
	runs     []*run
}

type message struct {
	id, role, content, runID string
	created                  int64
}

type run struct {
	id, threadID, assistantID string
	status                    string
	script                    []string
	pos                       int
	created                   int64
}

// NewServer starts a fake API that is closed when the test ends. Runs
// complete on their first status check unless RunScript says otherwise.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		RunScript: []string{"completed"},
		Reply:     "Hello from the assistant",
		threads:   make(map[string]*thread),
		failNext:  make(map[string][]int),
		stall:     make(map[string]time.Duration),
		calls:     make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.middleware)
	r.Post("/threads", s.route(RouteCreateThread, s.createThread))
	r.Get("/threads/{thread}/messages", s.route(RouteListMessages, s.listMessages))
	r.Post("/threads/{thread}/messages", s.route(RouteAddMessage, s.addMessage))
	r.Post("/threads/{thread}/runs", s.route(RouteCreateRun, s.createRun))
	r.Get("/threads/{thread}/runs", s.route(RouteListRuns, s.listRuns))
	r.Get("/threads/{thread}/runs/{run}", s.route(RouteGetRun, s.getRun))
	r.Get("/models", s.route(RouteListModels, s.listModels))

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// SetReply changes Reply while requests may be in flight.
func (s *Server) SetReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reply = reply
}

// AddThread registers an existing thread.
func (s *Server) AddThread(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[id] = &thread{id: id, metadata: map[string]any{}}
}

// AddRun registers a run with a fixed status on an existing thread.
func (s *Server) AddRun(threadID, status string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[threadID]
	s.seq++
	rn := &run{id: fmt.Sprintf("run_%d", s.seq), threadID: threadID, status: status, script: []string{status}, created: int64(s.seq)}
	th.runs = append(th.runs, rn)
	return rn.id
}

// FailNext makes the next len(codes) requests to route fail with the given
// HTTP statuses.
func (s *Server) FailNext(route string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[route] = append(s.failNext[route], codes...)
}

// Stall makes every request to route wait d, or until the client gives up,
// before it is answered.
func (s *Server) Stall(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall[route] = d
}

// Calls returns how many requests reached route, failed ones included.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ThreadCount returns the number of known threads.
func (s *Server) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Metadata returns the metadata a thread was created with.
func (s *Server) Metadata(threadID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[threadID]; ok {
		return th.metadata
	}
	return nil
}

// Messages returns the contents of a thread's messages, oldest first.
func (s *Server) Messages(threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(th.messages))
	for _, m := range th.messages {
		out = append(out, m.role+": "+m.content)
	}
	return out
}

// LastHeader returns the most recent request's header.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		if s.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.APIKey {
			writeError(w, http.StatusUnauthorized, "Incorrect API key provided: "+r.Header.Get("Authorization")+".", "invalid_api_key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		var code int
		if q := s.failNext[name]; len(q) > 0 {
			code, s.failNext[name] = q[0], q[1:]
		}
		delay := s.stall[name]
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}

		if code != 0 {
			writeError(w, code, fmt.Sprintf("injected failure %d", code), "")
			return
		}
		h(w, r)
	}
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.seq++
	th := &thread{id: fmt.Sprintf("thread_%d", s.seq), metadata: req.Metadata}
	s.threads[th.id] = th
	s.mu.Unlock()

	writeJSON(w, map[string]any{"id": th.id, "object": "thread", "created_at": time.Now().Unix(), "metadata": th.metadata})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[chi.URLParam(r, "thread")]
	if !ok {
		writeError(w, http.StatusNotFound, "No thread found with id '"+chi.URLParam(r, "thread")+"'.", "")
		return
	}

	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	data := make([]map[string]any, 0, len(th.messages))
	if r.URL.Query().Get("order") == "asc" {
		for _, m := range th.messages {
			data = append(data, messageJSON(th.id, m))
		}
	} else {
		for i := len(th.messages) - 1; i >= 0; i-- {
			data = append(data, messageJSON(th.id, th.messages[i]))
		}
	}
	if len(data) > limit {
		data = data[:limit]
	}
	writeJSON(w, map[string]any{"object": "list", "data": data, "has_more": false})
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[chi.URLParam(r, "thread")]
	if !ok {
		writeError(w, http.StatusNotFound, "No thread found.", "")
		return
	}
	for _, rn := range th.runs {
		if rn.status == "queued" || rn.status == "in_progress" || rn.status == "requires_action" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Can't add messages to %s while a run %s is active.", th.id, rn.id), "")
			return
		}
	}
	s.seq++
	m := &message{id: fmt.Sprintf("msg_%d", s.seq), role: req.Role, content: req.Content, created: int64(s.seq)}
	th.messages = append(th.messages, m)
	writeJSON(w, messageJSON(th.id, m))
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssistantID string `json:"assistant_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[chi.URLParam(r, "thread")]
	if !ok {
		writeError(w, http.StatusNotFound, "No thread found.", "")
		return
	}
	s.seq++
	rn := &run{
		id:          fmt.Sprintf("run_%d", s.seq),
		threadID:    th.id,
		assistantID: req.AssistantID,
		status:      "queued",
		script:      append([]string(nil), s.RunScript...),
		created:     int64(s.seq),
	}
	th.runs = append(th.runs, rn)
	writeJSON(w, s.runJSON(rn))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.StatusDelay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.StatusDelay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[chi.URLParam(r, "thread")]
	if !ok {
		writeError(w, http.StatusNotFound, "No thread found.", "")
		return
	}
	var rn *run
	for _, c := range th.runs {
		if c.id == chi.URLParam(r, "run") {
			rn = c
		}
	}
	if rn == nil {
		writeError(w, http.StatusNotFound, "No run found.", "")
		return
	}

	if len(rn.script) > 0 {
		next := rn.script[min(rn.pos, len(rn.script)-1)]
		rn.pos++
		if next == "completed" && rn.status != "completed" {
			s.seq++
			th.messages = append(th.messages, &message{
				id: fmt.Sprintf("msg_%d", s.seq), role: "assistant", content: s.Reply, runID: rn.id, created: int64(s.seq),
			})
		}
		rn.status = next
	}
	writeJSON(w, s.runJSON(rn))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[chi.URLParam(r, "thread")]
	if !ok {
		writeError(w, http.StatusNotFound, "No thread found.", "")
		return
	}
	data := make([]map[string]any, 0, len(th.runs))
	for i := len(th.runs) - 1; i >= 0; i-- {
		data = append(data, s.runJSON(th.runs[i]))
	}
	writeJSON(w, map[string]any{"object": "list", "data": data})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"object": "list", "data": []map[string]any{
		{"id": "gpt-4o", "object": "model", "created": 0, "owned_by": "openai"},
	}})
}

func (s *Server) runJSON(rn *run) map[string]any {
	out := map[string]any{
		"id":           rn.id,
		"object":       "thread.run",
		"created_at":   rn.created,
		"thread_id":    rn.threadID,
		"assistant_id": rn.assistantID,
		"status":       rn.status,
	}
	switch rn.status {
	case "failed":
		out["last_error"] = map[string]any{"code": "server_error", "message": s.LastError}
	case "requires_action":
		tool := ToolCall{Name: "noop", Arguments: "{}"}
		if s.Tool != nil {
			tool = *s.Tool
		}
		out["required_action"] = map[string]any{
			"type": "submit_tool_outputs",
			"submit_tool_outputs": map[string]any{
				"tool_calls": []map[string]any{{
					"id":       "call_1",
					"type":     "function",
					"function": map[string]any{"name": tool.Name, "arguments": tool.Arguments},
				}},
			},
		}
	}
	return out
}

func messageJSON(threadID string, m *message) map[string]any {
	out := map[string]any{
		"id":         m.id,
		"object":     "thread.message",
		"created_at": m.created,
		"thread_id":  threadID,
		"role":       m.role,
		"content": []map[string]any{{
			"type": "text",
			"text": map[string]any{"value": m.content, "annotations": []any{}},
		}},
		"file_ids": []string{},
		"metadata": map[string]any{},
	}
	if m.runID != "" {
		out["run_id"] = m.runID
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg, errCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]any{"message": msg, "type": "invalid_request_error", "param": nil, "code": nil}
	if errCode != "" {
		body["code"] = errCode
	}
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}
