// Package assistant drives the upstream Assistants API: thread lifecycle,
// message append, and run execution.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/integraled/threadrelay/internal/resilient"
)

// Policies selects the retry policy per kind of upstream operation.
type Policies struct {
	Verify resilient.Policy
	Write  resilient.Policy
	Status resilient.Policy
}

// DefaultPolicies derives per-operation policies from base: thread
// verification is cheap and gets 2 attempts of 5s, status checks 5s
// attempts, everything else uses base unchanged.
func DefaultPolicies(base resilient.Policy) Policies {
	return Policies{
		Verify: base.With(2, 5*time.Second),
		Write:  base,
		Status: base.With(0, 5*time.Second),
	}
}

// Config describes one upstream client. A client is built per request from
// freshly resolved credentials.
type Config struct {
	APIKey            string
	OrgID             string
	ProjectID         string
	BaseURL           string
	AssistantsVersion string
	Transport         *resilient.Transport
	Policies          *Policies
	Logger            *slog.Logger
}

// Client wraps the go-openai client with the relay's retry discipline.
type Client struct {
	api      *openai.Client
	policies Policies
	logger   *slog.Logger
}

// NewClient builds a Client. The assistants API version header and the
// project header are stamped by the transport on every attempt.
func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.OrgID = cfg.OrgID

	version := cfg.AssistantsVersion
	if version == "" {
		version = "v2"
	}
	h := make(http.Header)
	h.Set("OpenAI-Beta", "assistants="+version)
	if cfg.ProjectID != "" {
		h.Set("OpenAI-Project", cfg.ProjectID)
	}

	tr := cfg.Transport
	if tr == nil {
		tr = resilient.NewTransport(resilient.DefaultPolicy())
	}
	tr = tr.WithHeader(h)
	oc.HTTPClient = tr.Client()

	policies := DefaultPolicies(tr.Policy)
	if cfg.Policies != nil {
		policies = *cfg.Policies
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:      openai.NewClientWithConfig(oc),
		policies: policies,
		logger:   logger,
	}
}

// ListModels returns the ids of models visible to the credentials. It is
// used as a connectivity check.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	list, err := c.api.ListModels(resilient.WithPolicy(ctx, c.policies.Status))
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
