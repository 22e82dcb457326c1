package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/integraled/threadrelay/internal/resilient"
)

// Threads verifies, creates and appends to upstream threads.
type Threads struct {
	c *Client
	// DefaultOrganization tags threads created without an organization.
	DefaultOrganization string
}

func NewThreads(c *Client) *Threads {
	return &Threads{c: c, DefaultOrganization: "unknown"}
}

// Verify reports whether threadID names a readable thread. It never fails:
// an empty id or any upstream error yields false.
func (t *Threads) Verify(ctx context.Context, threadID string) bool {
	if strings.TrimSpace(threadID) == "" {
		return false
	}
	limit := 1
	_, err := t.c.api.ListMessage(resilient.WithPolicy(ctx, t.c.policies.Verify), threadID, &limit, nil, nil, nil)
	if err != nil {
		t.c.logger.Info("thread verification failed", "thread_id", threadID, "error", err)
		return false
	}
	return true
}

// Create starts a new thread tagged with md.
func (t *Threads) Create(ctx context.Context, md Metadata) (string, error) {
	org := md.Organization
	if org == "" {
		org = t.DefaultOrganization
	}
	th, err := t.c.api.CreateThread(resilient.WithPolicy(ctx, t.c.policies.Write), openai.ThreadRequest{
		Metadata: map[string]any{
			"user_id":      md.UserID,
			"organization": org,
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	t.c.logger.Info("thread created", "thread_id", th.ID, "user_id", md.UserID, "organization", org)
	return th.ID, nil
}

// GetOrCreate returns threadID unchanged when it verifies, and a new thread
// otherwise. created reports which happened.
func (t *Threads) GetOrCreate(ctx context.Context, threadID, userID, organization string) (id string, created bool, err error) {
	if t.Verify(ctx, threadID) {
		return threadID, false, nil
	}
	if threadID != "" {
		t.c.logger.Info("discarding unverifiable thread", "thread_id", threadID)
	}
	id, err = t.Create(ctx, Metadata{UserID: userID, Organization: organization})
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// AddMessage appends a user message. ErrThreadBusy is returned when the
// upstream rejects it because a run is active.
func (t *Threads) AddMessage(ctx context.Context, threadID, content string) (Message, error) {
	m, err := t.c.api.CreateMessage(resilient.WithPolicy(ctx, t.c.policies.Write), threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	if err != nil {
		if isActiveRunConflict(err) {
			return Message{}, fmt.Errorf("adding message to %s: %w", threadID, ErrThreadBusy)
		}
		return Message{}, fmt.Errorf("adding message to %s: %w", threadID, err)
	}
	return toMessage(m), nil
}

// Status lists the thread's runs and counts the active ones. A thread the
// upstream does not know is reported with Exists false.
func (t *Threads) Status(ctx context.Context, threadID string) (ThreadStatus, error) {
	list, err := t.c.api.ListRuns(resilient.WithPolicy(ctx, t.c.policies.Status), threadID, openai.Pagination{})
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return ThreadStatus{Exists: false, Status: "not_found"}, nil
		}
		return ThreadStatus{}, fmt.Errorf("listing runs for %s: %w", threadID, err)
	}

	st := ThreadStatus{Exists: true, Status: string(openai.RunStatusCompleted)}
	for _, r := range list.Runs {
		if !isActive(r.Status) {
			continue
		}
		// Runs are listed newest first.
		if st.ActiveRuns == 0 {
			st.Status = string(r.Status)
			st.ActiveRunID = r.ID
		}
		st.ActiveRuns++
	}
	return st, nil
}

func isActive(s openai.RunStatus) bool {
	return s == openai.RunStatusQueued || s == openai.RunStatusInProgress || s == openai.RunStatusRequiresAction
}

func isActiveRunConflict(err error) bool {
	if StatusCode(err) != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(ErrorMessage(err))
	return strings.Contains(msg, "while a run") || strings.Contains(msg, "is active")
}

// StatusCode extracts the upstream HTTP status from an API error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// ErrorMessage returns the upstream's error message when err carries one.
func ErrorMessage(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// ErrorCode returns the upstream error code of an API error, or "".
func ErrorCode(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if c, ok := apiErr.Code.(string); ok {
			return c
		}
	}
	return ""
}

func toMessage(m openai.Message) Message {
	out := Message{ID: m.ID, Role: m.Role, Content: messageText(m)}
	if m.RunID != nil {
		out.RunID = *m.RunID
	}
	return out
}

func messageText(m openai.Message) string {
	var parts []string
	for _, c := range m.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}
