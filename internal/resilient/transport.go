package resilient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/integraled/threadrelay/internal/metrics"
)

// maxErrorBody caps how much of a failed response is read for classification.
const maxErrorBody = 64 << 10

// Transport is an http.RoundTripper that bounds every attempt with a timeout
// and retries transient failures with exponential backoff. Fatal responses
// (authentication, invalid request) are returned to the caller after a
// single attempt with their body intact.
type Transport struct {
	Base    http.RoundTripper
	Policy  Policy
	Limiter *rate.Limiter
	// Header entries are set on every outgoing attempt, replacing any
	// value the caller set.
	Header http.Header
	Logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport creates a Transport over http.DefaultTransport.
func NewTransport(p Policy) *Transport {
	return &Transport{
		Base:   http.DefaultTransport,
		Policy: p,
		Header: make(http.Header),
		Logger: slog.Default(),
	}
}

// WithHeader returns a copy of t whose stamped headers are t's merged with h.
func (t *Transport) WithHeader(h http.Header) *Transport {
	cp := *t
	cp.Header = t.Header.Clone()
	if cp.Header == nil {
		cp.Header = make(http.Header)
	}
	for k, vs := range h {
		cp.Header[k] = vs
	}
	return &cp
}

// Client returns an http.Client that sends through t. The client has no
// overall timeout; attempts are bounded by the policy.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// Call performs a single logical call under p. Unlike RoundTrip, a fatal
// response is converted to a *CallError and its body consumed.
func (t *Transport) Call(ctx context.Context, method, url string, body []byte, header http.Header, p Policy) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(WithPolicy(ctx, p), method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := t.Client().Do(req)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, err
	}
	if kind, failed := ClassifyStatus(resp.StatusCode, ""); failed {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		kind, _ = ClassifyStatus(resp.StatusCode, ErrorCode(msg))
		return nil, &CallError{
			Kind:       kind,
			Method:     method,
			URL:        url,
			Attempts:   1,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}
	return resp, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	parent := req.Context()
	policy := policyFrom(parent, t.Policy)
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}

	getBody, err := replayBody(req)
	if err != nil {
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target := req.URL.Host + req.URL.Path

	start := time.Now()
	var last *CallError
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(parent); err != nil {
				return nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(parent, policy.Timeout)
		r, err := t.prepare(req, attemptCtx, getBody)
		if err != nil {
			cancel()
			return nil, err
		}

		attemptStart := time.Now()
		resp, err := base.RoundTrip(r)
		elapsed := time.Since(attemptStart)
		metrics.UpstreamAttemptDuration.WithLabelValues(req.URL.Host).Observe(elapsed.Seconds())

		// The caller gave up; nothing left to retry for.
		if parent.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			cancel()
			t.logAttempt(logger, req.Method, target, attempt, elapsed, "cancelled", 0)
			metrics.UpstreamAttempts.WithLabelValues(req.URL.Host, "cancelled").Inc()
			return nil, parent.Err()
		}

		if err != nil {
			kind := KindTransient
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				kind = KindTimeout
			}
			cancel()
			last = &CallError{Kind: kind, Method: req.Method, URL: target, Attempts: attempt, Err: err}
		} else if kind, failed := ClassifyStatus(resp.StatusCode, ""); !failed {
			t.logAttempt(logger, req.Method, target, attempt, elapsed, "ok", resp.StatusCode)
			metrics.UpstreamAttempts.WithLabelValues(req.URL.Host, "ok").Inc()
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		} else {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			if !kind.Retryable() {
				kind, _ = ClassifyStatus(resp.StatusCode, ErrorCode(msg))
				t.logAttempt(logger, req.Method, target, attempt, elapsed, kind.String(), resp.StatusCode)
				metrics.UpstreamAttempts.WithLabelValues(req.URL.Host, kind.String()).Inc()
				// Hand the response back as received so the caller can
				// decode the upstream error body.
				resp.Body = &cancelOnClose{ReadCloser: io.NopCloser(bytes.NewReader(msg)), cancel: cancel}
				return resp, nil
			}
			cancel()
			last = &CallError{
				Kind:       kind,
				Method:     req.Method,
				URL:        target,
				Attempts:   attempt,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
			}
		}

		t.logAttempt(logger, req.Method, target, attempt, elapsed, last.Kind.String(), last.StatusCode)
		metrics.UpstreamAttempts.WithLabelValues(req.URL.Host, last.Kind.String()).Inc()

		if attempt < policy.MaxRetries {
			if err := t.wait(parent, policy.Backoff(attempt-1, last.Kind)); err != nil {
				return nil, err
			}
		}
	}

	last.Exhausted = true
	last.Elapsed = time.Since(start)
	return nil, last
}

// prepare clones req for one attempt with a fresh body from getBody and the
// transport headers stamped.
func (t *Transport) prepare(req *http.Request, ctx context.Context, getBody func() (io.ReadCloser, error)) (*http.Request, error) {
	r := req.Clone(ctx)
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		r.Body = body
		r.GetBody = getBody
	}
	for k, vs := range t.Header {
		r.Header[k] = vs
	}
	return r, nil
}

func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) logAttempt(logger *slog.Logger, method, target string, attempt int, elapsed time.Duration, outcome string, status int) {
	level := slog.LevelDebug
	if outcome != "ok" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "upstream attempt",
		"method", method,
		"url", target,
		"attempt", attempt,
		"elapsed_ms", elapsed.Milliseconds(),
		"outcome", outcome,
		"status", status,
	)
}

// replayBody returns a source of fresh copies of req's body, or nil when
// there is no body. A body without GetBody is read once and closed; req
// itself is left untouched.
func replayBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
