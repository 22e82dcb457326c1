package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/integraled/threadrelay/internal/resilient"
)

// Webhook posts transcripts to an automation endpoint.
type Webhook struct {
	URL       string
	Transport *resilient.Transport
	Policy    resilient.Policy
}

func NewWebhook(url string, tr *resilient.Transport) *Webhook {
	if tr == nil {
		tr = resilient.NewTransport(resilient.DefaultPolicy())
	}
	return &Webhook{URL: url, Transport: tr, Policy: tr.Policy}
}

func (w *Webhook) Name() string { return "webhook" }

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type webhookPayload struct {
	UserID          string `json:"User_ID"`
	OrgID           string `json:"Org_ID"`
	ThreadID        string `json:"Thread_ID"`
	RunID           string `json:"Run_ID"`
	AssistantID     string `json:"Assistant_ID"`
	InteractionType string `json:"interaction_type"`
	Status          string `json:"status"`
	Transcript      []turn `json:"transcript"`
}

func newWebhookPayload(t Transcript) webhookPayload {
	p := webhookPayload{
		UserID:          t.UserID,
		OrgID:           t.Organization,
		ThreadID:        t.ThreadID,
		RunID:           t.RunID,
		AssistantID:     t.AssistantID,
		InteractionType: "chat",
		Status:          t.Outcome,
		Transcript:      []turn{{Role: "user", Content: t.Message}},
	}
	if t.Reply != "" {
		p.Transcript = append(p.Transcript, turn{Role: "assistant", Content: t.Reply})
	}
	return p
}

func (w *Webhook) Record(ctx context.Context, t Transcript) error {
	body, err := json.Marshal(newWebhookPayload(t))
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	h := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := w.Transport.Call(ctx, http.MethodPost, w.URL, body, h, w.Policy)
	if err != nil {
		return fmt.Errorf("posting transcript: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("posting transcript: unexpected status %d", resp.StatusCode)
	}
	return nil
}
