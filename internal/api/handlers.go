package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/integraled/threadrelay/internal/protocol"
	"github.com/integraled/threadrelay/internal/relay"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fieldList struct {
	Body []string `json:"body"`
}

type protocolDescriptor struct {
	RequiredFields fieldList         `json:"required_fields"`
	OptionalFields fieldList         `json:"optional_fields"`
	Capabilities   []string          `json:"capabilities"`
	StatusCodes    map[string]string `json:"status_codes"`
}

type handshake struct {
	Status    string             `json:"status"`
	Version   string             `json:"version"`
	Timestamp string             `json:"timestamp"`
	Protocol  protocolDescriptor `json:"protocol"`
}

func handleHandshake(w http.ResponseWriter, r *http.Request) {
	codes := make(map[string]string, len(protocol.Codes))
	for _, c := range protocol.Codes {
		codes[c.String()] = c.Description()
	}
	writeJSON(w, http.StatusOK, handshake{
		Status:    "ok",
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Protocol: protocolDescriptor{
			RequiredFields: fieldList{Body: []string{"message", "Assistant_ID"}},
			OptionalFields: fieldList{Body: []string{"User_ID", "Thread_ID", "Organization"}},
			Capabilities:   []string{"chat", "threads", "run-status", "generate-url"},
			StatusCodes:    codes,
		},
	})
}

// inbound holds every accepted field spelling; the widget and the
// automation platforms disagree on case.
type inbound struct {
	Message          string `json:"message"`
	AssistantID      string `json:"Assistant_ID"`
	AssistantIDLower string `json:"assistant_id"`
	ThreadID         string `json:"Thread_ID"`
	ThreadIDLower    string `json:"thread_id"`
	UserID           string `json:"User_ID"`
	UserIDLower      string `json:"user_id"`
	Organization     string `json:"Organization"`
	OrgLower         string `json:"organization"`
	RunID            string `json:"Run_ID"`
	RunIDLower       string `json:"run_id"`
	LatestThreadID   string `json:"Latest_Chat_Thread_ID"`
	Tags             string `json:"Intake_Tags_Txt"`
	TagsLower        string `json:"tags"`
}

func pick(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// decodeInbound reads the JSON body. An empty body decodes to zero values.
func decodeInbound(w http.ResponseWriter, r *http.Request) (inbound, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var in inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "Invalid JSON body", err.Error())
		return inbound{}, false
	}
	return in, true
}

type chatResponse struct {
	Message    string          `json:"message"`
	ThreadID   string          `json:"thread_id"`
	RunID      string          `json:"run_id,omitempty"`
	Processing bool            `json:"processing,omitempty"`
	Status     protocol.Code   `json:"status"`
	Payload    json.RawMessage `json:"payload"`
}

func handleChat(rl Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeInbound(w, r)
		if !ok {
			return
		}
		res, err := rl.Chat(r.Context(), relay.ChatRequest{
			Message:      in.Message,
			AssistantID:  pick(in.AssistantID, in.AssistantIDLower),
			UserID:       pick(in.UserID, in.UserIDLower),
			ThreadID:     pick(in.ThreadID, in.ThreadIDLower),
			Organization: pick(in.Organization, in.OrgLower),
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeChatResult(w, r, res)
	}
}

func handleRunStatus(rl Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeInbound(w, r)
		if !ok {
			return
		}
		res, err := rl.PollRun(r.Context(), pick(in.ThreadID, in.ThreadIDLower), pick(in.RunID, in.RunIDLower))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeChatResult(w, r, res)
	}
}

func newChatResponse(res relay.ChatResult) (chatResponse, error) {
	env, err := protocol.Encode(res.Outcome)
	if err != nil {
		return chatResponse{}, err
	}
	return chatResponse{
		Message:    res.Message,
		ThreadID:   res.ThreadID,
		RunID:      res.RunID,
		Processing: res.Processing(),
		Status:     env.Status,
		Payload:    env.Payload,
	}, nil
}

func writeChatResult(w http.ResponseWriter, r *http.Request, res relay.ChatResult) {
	body, err := newChatResponse(res)
	if err != nil {
		slog.Error("encoding outcome", "request_id", RequestID(r.Context()), "error", err)
		httpError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	code := res.HTTPStatus
	if code == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, body)
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := relay.Classify(err, nil)
	if f.Kind == relay.KindInternal {
		slog.Error("request failed", "request_id", RequestID(r.Context()), "error", f.Error())
	}
	outcomeError(w, f.HTTPStatus(), f.Public, f.Detail, protocol.Error{Err: f.Public, Message: f.Detail})
}

type threadStatusResponse struct {
	ThreadExists bool   `json:"thread_exists"`
	ActiveRuns   int    `json:"active_runs"`
	Status       string `json:"status"`
	RunID        string `json:"run_id,omitempty"`
}

func handleThreadStatus(rl Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeInbound(w, r)
		if !ok {
			return
		}
		st, err := rl.ThreadStatus(r.Context(), pick(in.ThreadID, in.ThreadIDLower))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, threadStatusResponse{
			ThreadExists: st.Exists,
			ActiveRuns:   st.ActiveRuns,
			Status:       st.Status,
			RunID:        st.ActiveRunID,
		})
	}
}

func handleGenerateURL(rl Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := decodeInbound(w, r)
		if !ok {
			return
		}
		url, err := rl.DeepLink(relay.LinkRequest{
			UserID:       pick(in.UserID, in.UserIDLower),
			ThreadID:     pick(in.LatestThreadID, in.ThreadID, in.ThreadIDLower),
			Tags:         pick(in.Tags, in.TagsLower),
			Organization: pick(in.Organization, in.OrgLower),
		})
		if errors.Is(err, relay.ErrUserRequired) {
			httpError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Internal server error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}
