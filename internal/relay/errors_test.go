package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/integraled/threadrelay/internal/credentials"
	"github.com/integraled/threadrelay/internal/resilient"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   FailureKind
		status int
	}{
		{"exhausted timeout", &resilient.CallError{Kind: resilient.KindTimeout, Attempts: 3, Exhausted: true}, KindUpstreamTimeout, 504},
		{"exhausted transient", &resilient.CallError{Kind: resilient.KindTransient, Attempts: 3, Exhausted: true}, KindUpstreamUnavailable, 502},
		{"exhausted rate limit", fmt.Errorf("creating thread: %w", &resilient.CallError{Kind: resilient.KindRateLimited, Exhausted: true}), KindUpstreamUnavailable, 502},
		{"api 401", &openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"}, KindAuth, 500},
		{"org mismatch", &openai.APIError{HTTPStatusCode: 400, Code: "mismatched_organization", Message: "OpenAI-Organization header should match organization for API key"}, KindAuth, 500},
		{"parameter naming organization", &openai.APIError{HTTPStatusCode: 400, Code: "invalid_value", Message: "Invalid value for 'metadata.organization'"}, KindValidation, 400},
		{"invalid assistant", &openai.APIError{HTTPStatusCode: 404, Message: "No assistant found with id 'asst_x'."}, KindValidation, 400},
		{"missing credential", fmt.Errorf("resolving: %w", credentials.ErrMissing), KindAuth, 500},
		{"deadline", context.DeadlineExceeded, KindUpstreamTimeout, 504},
		{"other", errors.New("boom"), KindInternal, 500},
		{"already classified", validationError("bad"), KindValidation, 400},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := Classify(c.err, nil)
			if f.Kind != c.kind || f.HTTPStatus() != c.status {
				t.Errorf("Classify = %v/%d, want %v/%d", f.Kind, f.HTTPStatus(), c.kind, c.status)
			}
			if c.kind == KindAuth && f.Public != "Authentication error" {
				t.Errorf("Public = %q", f.Public)
			}
		})
	}
}

func TestClassify_InternalHidesRawError(t *testing.T) {
	f := Classify(errors.New("dial tcp: key sk-abcdefghijklmnop rejected"), nil)
	if f.Public != "Internal server error" {
		t.Errorf("Public = %q", f.Public)
	}
	if strings.Contains(f.Detail, "abcdefghijklmnop") {
		t.Errorf("Detail leaks key: %q", f.Detail)
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("org-secret-value", "")
	got := r.Redact("key sk-proj-AbC123xyz987 org org-secret-value short sk-ab")
	if strings.Contains(got, "AbC123xyz987") || strings.Contains(got, "org-secret-value") {
		t.Errorf("Redact = %q", got)
	}
	if !strings.Contains(got, "sk-proj-***") || !strings.Contains(got, "sk-ab") {
		t.Errorf("Redact = %q", got)
	}
}

func TestGenerateURL(t *testing.T) {
	base := "https://integraled.github.io/rag-bmore/"
	cases := []struct {
		name string
		req  LinkRequest
		want string
	}{
		{
			"user only",
			LinkRequest{UserID: "rec123"},
			base + "?User_ID=rec123&Organization=IntegralEd",
		},
		{
			"thread and tags",
			LinkRequest{UserID: "rec123", ThreadID: "thread_9", Tags: "prenatal care, nutrition"},
			base + "?User_ID=rec123&Organization=IntegralEd&thread_id=thread_9&tags=prenatal%20care%2C%20nutrition",
		},
		{
			"explicit organization",
			LinkRequest{UserID: "rec123", Organization: "B More"},
			base + "?User_ID=rec123&Organization=B%20More",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := GenerateURL(base, "IntegralEd", c.req)
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("GenerateURL =\n  %s\nwant\n  %s", got, c.want)
			}
		})
	}
}

func TestGenerateURL_RequiresUser(t *testing.T) {
	if _, err := GenerateURL("https://x/", "IntegralEd", LinkRequest{ThreadID: "t"}); !errors.Is(err, ErrUserRequired) {
		t.Errorf("err = %v, want ErrUserRequired", err)
	}
}

func TestGenerateURL_BaseWithQuery(t *testing.T) {
	got, _ := GenerateURL("https://x/chat?embed=1", "IntegralEd", LinkRequest{UserID: "u"})
	if got != "https://x/chat?embed=1&User_ID=u&Organization=IntegralEd" {
		t.Errorf("GenerateURL = %s", got)
	}
}
