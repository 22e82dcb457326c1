package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/integraled/threadrelay/internal/assistant"
	"github.com/integraled/threadrelay/internal/credentials"
	"github.com/integraled/threadrelay/internal/resilient"
)

// FailureKind is the bucket a request failure is collapsed to before it
// leaves the relay.
type FailureKind int

const (
	KindInternal FailureKind = iota
	KindValidation
	KindAuth
	KindUpstreamUnavailable
	KindUpstreamTimeout
	KindRunFailed
)

func (k FailureKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindRunFailed:
		return "run_failed"
	default:
		return "internal"
	}
}

// Failure is the only error type returned by Service methods.
type Failure struct {
	Kind FailureKind
	// Public is the short error text for the response body.
	Public string
	// Detail is an optional, redacted explanation.
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return f.Public + ": " + f.Detail
	}
	return f.Public
}

func (f *Failure) Unwrap() error { return f.Err }

// HTTPStatus is the response status for the failure.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validationError(msg string) *Failure {
	return &Failure{Kind: KindValidation, Public: msg}
}

// Classify collapses err into a Failure. Detail is passed through r.
func Classify(err error, r *Redactor) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var ce *resilient.CallError
	switch {
	case errors.Is(err, credentials.ErrMissing):
		return &Failure{Kind: KindAuth, Public: "Authentication error", Detail: r.Redact(err.Error()), Err: err}
	case errors.As(err, &ce):
		return classifyCall(ce, err, r)
	}

	if code := assistant.StatusCode(err); code != 0 {
		kind, _ := resilient.ClassifyStatus(code, assistant.ErrorCode(err))
		detail := r.Redact(assistant.ErrorMessage(err))
		switch kind {
		case resilient.KindAuth:
			return &Failure{Kind: KindAuth, Public: "Authentication error", Detail: detail, Err: err}
		case resilient.KindInvalid:
			return &Failure{Kind: KindValidation, Public: "Upstream rejected the request", Detail: detail, Err: err}
		case resilient.KindTimeout:
			return &Failure{Kind: KindUpstreamTimeout, Public: "Upstream request timed out", Detail: detail, Err: err}
		default:
			return &Failure{Kind: KindUpstreamUnavailable, Public: "Upstream service unavailable", Detail: detail, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindUpstreamTimeout, Public: "Upstream request timed out", Detail: r.Redact(err.Error()), Err: err}
	}
	return &Failure{Kind: KindInternal, Public: "Internal server error", Detail: r.Redact(err.Error()), Err: err}
}

func classifyCall(ce *resilient.CallError, err error, r *Redactor) *Failure {
	detail := r.Redact(fmt.Sprintf("%s after %d attempt(s)", ce.Kind, ce.Attempts))
	switch {
	case ce.Kind == resilient.KindAuth:
		return &Failure{Kind: KindAuth, Public: "Authentication error", Detail: detail, Err: err}
	case ce.Kind == resilient.KindTimeout:
		return &Failure{Kind: KindUpstreamTimeout, Public: "Upstream request timed out", Detail: detail, Err: err}
	case ce.Kind == resilient.KindInvalid:
		return &Failure{Kind: KindValidation, Public: "Upstream rejected the request", Detail: r.Redact(err.Error()), Err: err}
	default:
		return &Failure{Kind: KindUpstreamUnavailable, Public: "Upstream service unavailable", Detail: detail, Err: err}
	}
}

var keyPattern = regexp.MustCompile(`\b(sk-(?:proj-)?)[A-Za-z0-9_\-]{6,}`)

// Redactor masks API keys and known secret values in text bound for logs
// and response bodies.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(s) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

func (r *Redactor) Redact(s string) string {
	if r != nil {
		for _, secret := range r.secrets {
			s = strings.ReplaceAll(s, secret, "[REDACTED]")
		}
	}
	return keyPattern.ReplaceAllString(s, "${1}***")
}
