package resilient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies the outcome of a failed attempt.
type Kind int

const (
	KindTransient Kind = iota
	KindTimeout
	KindRateLimited
	KindAuth
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout || k == KindRateLimited
}

// CallError is returned when a call fails. Exhausted is set when every
// allowed attempt was used on retryable failures.
type CallError struct {
	Kind       Kind
	Method     string
	URL        string
	Attempts   int
	Elapsed    time.Duration
	StatusCode int
	Exhausted  bool
	Err        error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Exhausted {
		fmt.Fprintf(&b, " after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// authCodes are the upstream error codes that mean the credentials, not the
// request, were rejected.
var authCodes = map[string]bool{
	"invalid_api_key":         true,
	"mismatched_organization": true,
	"mismatched_project":      true,
	"invalid_organization":    true,
	"invalid_project":         true,
}

// ClassifyStatus maps an HTTP status and the upstream error code to a Kind.
// ok is false for successful statuses.
func ClassifyStatus(code int, errCode string) (kind Kind, ok bool) {
	switch {
	case code < 400:
		return 0, false
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code == http.StatusRequestTimeout:
		return KindTimeout, true
	case code >= 500:
		return KindTransient, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth, true
	case authCodes[errCode]:
		return KindAuth, true
	}
	return KindInvalid, true
}

// ErrorCode extracts error.code from an upstream error body, or "".
func ErrorCode(body []byte) string {
	var e struct {
		Error struct {
			Code any `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	c, _ := e.Error.Code.(string)
	return c
}
