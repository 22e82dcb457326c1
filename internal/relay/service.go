// Package relay turns one inbound chat request into the sequence of
// upstream thread, message and run calls, bounded by an execution budget.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/integraled/threadrelay/internal/assistant"
	"github.com/integraled/threadrelay/internal/credentials"
	"github.com/integraled/threadrelay/internal/protocol"
	"github.com/integraled/threadrelay/internal/resilient"
	"github.com/integraled/threadrelay/internal/sink"
)

// ProcessingMessage is returned while a run is still working.
const ProcessingMessage = "I'm processing your request. This might take a moment. Please try asking again in a few seconds."

// Deps is everything a Service needs. Nothing in it holds per-request state.
type Deps struct {
	Credentials credentials.Provider
	Names       credentials.Names

	BaseURL           string
	AssistantsVersion string
	// Transport carries the retry policy and outbound pacing shared by the
	// per-request clients.
	Transport *resilient.Transport
	// Policies overrides the per-operation policies derived from
	// Transport.Policy.
	Policies *assistant.Policies

	// Budget is the total wall-clock allowance of one request, Reserve the
	// part of it kept back for building the response.
	Budget       time.Duration
	Reserve      time.Duration
	PollInterval time.Duration

	DefaultOrganization string
	DeepLinkBase        string
	DeepLinkOrg         string

	Sink   sink.Sink
	Logger *slog.Logger
}

type Service struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Service {
	if d.Transport == nil {
		d.Transport = resilient.NewTransport(resilient.DefaultPolicy())
	}
	if d.Budget <= 0 {
		d.Budget = 25 * time.Second
	}
	if d.Reserve <= 0 || d.Reserve >= d.Budget {
		d.Reserve = d.Budget / 6
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.DefaultOrganization == "" {
		d.DefaultOrganization = "unknown"
	}
	if d.Sink == nil {
		d.Sink = sink.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{d: d, now: time.Now}
}

// ChatRequest is one inbound chat message.
type ChatRequest struct {
	Message      string
	AssistantID  string
	UserID       string
	ThreadID     string
	Organization string
}

func (r ChatRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" || strings.TrimSpace(r.AssistantID) == "" {
		return validationError("Missing required fields: message and Assistant_ID")
	}
	return nil
}

// ChatResult is a successful or still-pending exchange.
type ChatResult struct {
	// HTTPStatus is 200, or 202 while the run is still working.
	HTTPStatus int
	Message    string
	ThreadID   string
	RunID      string
	State      assistant.State
	Outcome    protocol.Outcome
}

// Processing reports whether the caller should poll again.
func (r ChatResult) Processing() bool { return r.State == assistant.StateProcessing }

// session is the per-request upstream context: credentials fetched for this
// request and the clients built from them.
type session struct {
	threads  *assistant.Threads
	runs     *assistant.Runs
	client   *assistant.Client
	redactor *Redactor
}

func (s *Service) newSession(ctx context.Context) (*session, error) {
	set, err := credentials.Resolve(ctx, s.d.Credentials, s.d.Names)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	client := assistant.NewClient(assistant.Config{
		APIKey:            set.APIKey,
		OrgID:             set.OrgID,
		ProjectID:         set.ProjectID,
		BaseURL:           s.d.BaseURL,
		AssistantsVersion: s.d.AssistantsVersion,
		Transport:         s.d.Transport,
		Policies:          s.d.Policies,
		Logger:            s.d.Logger,
	})
	threads := assistant.NewThreads(client)
	threads.DefaultOrganization = s.d.DefaultOrganization
	runs := assistant.NewRuns(client, s.d.PollInterval)
	runs.Grace = s.d.Reserve / 2
	return &session{
		threads:  threads,
		runs:     runs,
		client:   client,
		redactor: NewRedactor(set.Secrets()...),
	}, nil
}

// deadline is the instant polling must give up: the budget minus the
// reserve, or earlier when ctx ends sooner.
func (s *Service) deadline(ctx context.Context, start time.Time) time.Time {
	d := start.Add(s.d.Budget - s.d.Reserve)
	if cd, ok := ctx.Deadline(); ok {
		if e := cd.Add(-s.d.Reserve); e.Before(d) {
			d = e
		}
	}
	return d
}

// bound limits every upstream call of one request to the poll deadline plus
// the grace of the final status check.
func (s *Service) bound(ctx context.Context, start time.Time) (context.Context, time.Time, context.CancelFunc) {
	deadline := s.deadline(ctx, start)
	bctx, cancel := context.WithDeadline(ctx, deadline.Add(s.d.Reserve/2))
	return bctx, deadline, cancel
}

// budgetSpent reports whether err comes from the request's own deadline
// rather than from the caller going away.
func budgetSpent(parent context.Context, err error) bool {
	return parent.Err() == nil && errors.Is(err, context.DeadlineExceeded)
}

// Chat relays one message. Errors are always *Failure.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	start := s.now()
	if req.Organization == "" {
		req.Organization = s.d.DefaultOrganization
	}

	var redactor *Redactor
	res, err := s.chat(ctx, req, start, &redactor)
	if err != nil {
		f := Classify(err, redactor)
		s.d.Logger.Warn("chat failed",
			"kind", f.Kind, "thread_id", req.ThreadID, "assistant_id", req.AssistantID, "error", f.Error())
		s.record(ctx, req, ChatResult{ThreadID: res.ThreadID, RunID: res.RunID}, f, start)
		return res, f
	}
	s.d.Logger.Info("chat relayed",
		"thread_id", res.ThreadID, "run_id", res.RunID, "state", res.State,
		"duration_ms", s.now().Sub(start).Milliseconds())
	s.record(ctx, req, res, nil, start)
	return res, nil
}

func (s *Service) chat(parent context.Context, req ChatRequest, start time.Time, redactor **Redactor) (ChatResult, error) {
	if err := req.validate(); err != nil {
		return ChatResult{}, err
	}
	ctx, deadline, cancel := s.bound(parent, start)
	defer cancel()

	sess, err := s.newSession(ctx)
	if err != nil {
		return ChatResult{}, err
	}
	*redactor = sess.redactor

	threadID, created, err := sess.threads.GetOrCreate(ctx, req.ThreadID, req.UserID, req.Organization)
	if err != nil {
		return ChatResult{}, err
	}

	if !created {
		st, err := sess.threads.Status(ctx, threadID)
		switch {
		case err != nil:
			s.d.Logger.Warn("active run check failed, appending anyway", "thread_id", threadID, "error", err)
		case st.ActiveRuns > 0:
			s.d.Logger.Info("thread busy, not appending", "thread_id", threadID, "run_id", st.ActiveRunID, "status", st.Status)
			return processingResult(threadID, st.ActiveRunID), nil
		}
	}

	if _, err := sess.threads.AddMessage(ctx, threadID, req.Message); err != nil {
		if errors.Is(err, assistant.ErrThreadBusy) {
			// Another request started a run after our check.
			st, serr := sess.threads.Status(ctx, threadID)
			if serr == nil && st.ActiveRunID != "" {
				return processingResult(threadID, st.ActiveRunID), nil
			}
			s.d.Logger.Warn("busy thread without an identifiable run", "thread_id", threadID, "error", serr)
			return ChatResult{ThreadID: threadID}, &Failure{
				Kind:   KindUpstreamUnavailable,
				Public: "Upstream service unavailable",
				Detail: "thread has an active run that could not be identified",
				Err:    err,
			}
		}
		return ChatResult{ThreadID: threadID}, err
	}

	run, err := sess.runs.Start(ctx, threadID, req.AssistantID)
	if err != nil {
		return ChatResult{ThreadID: threadID}, err
	}
	pr, err := sess.runs.Poll(ctx, threadID, run.ID, deadline)
	if err != nil {
		if budgetSpent(parent, err) {
			s.d.Logger.Info("budget spent after run start", "thread_id", threadID, "run_id", run.ID, "error", err)
			return processingResult(threadID, run.ID), nil
		}
		return ChatResult{ThreadID: threadID, RunID: run.ID}, err
	}
	return s.resultOf(pr, req.AssistantID, created, sess.redactor)
}

// PollRun checks a run reported as processing by an earlier Chat, waiting
// at most the execution budget.
func (s *Service) PollRun(parent context.Context, threadID, runID string) (ChatResult, error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(runID) == "" {
		return ChatResult{}, validationError("Thread ID and Run ID are required")
	}
	ctx, deadline, cancel := s.bound(parent, s.now())
	defer cancel()

	sess, err := s.newSession(ctx)
	if err != nil {
		return ChatResult{}, Classify(err, nil)
	}
	pr, err := sess.runs.Poll(ctx, threadID, runID, deadline)
	if err != nil {
		if budgetSpent(parent, err) {
			return processingResult(threadID, runID), nil
		}
		return ChatResult{}, Classify(err, sess.redactor)
	}
	res, err := s.resultOf(pr, "", false, sess.redactor)
	if err != nil {
		return res, Classify(err, sess.redactor)
	}
	return res, nil
}

func (s *Service) resultOf(pr assistant.RunResult, assistantID string, created bool, r *Redactor) (ChatResult, error) {
	res := ChatResult{ThreadID: pr.ThreadID, RunID: pr.RunID, State: pr.State}
	switch pr.State {
	case assistant.StateCompleted:
		res.HTTPStatus = 200
		res.Message = pr.Text
		if created {
			res.Outcome = protocol.NewSession{AgentID: assistantID, SessionID: pr.ThreadID}
		} else {
			res.Outcome = protocol.ContinueThread{ThreadID: pr.ThreadID}
		}
	case assistant.StateActionRequired:
		res.HTTPStatus = 200
		res.Outcome = protocol.Action{Action: pr.Action, Params: pr.Params}
	case assistant.StateProcessing:
		return processingResult(pr.ThreadID, pr.RunID), nil
	default:
		return res, &Failure{Kind: KindRunFailed, Public: "Run failed", Detail: r.Redact(pr.Reason)}
	}
	return res, nil
}

func processingResult(threadID, runID string) ChatResult {
	return ChatResult{
		HTTPStatus: 202,
		Message:    ProcessingMessage,
		ThreadID:   threadID,
		RunID:      runID,
		State:      assistant.StateProcessing,
		Outcome:    protocol.PollRun(threadID, runID),
	}
}

// ThreadStatus reports whether threadID has active runs.
func (s *Service) ThreadStatus(ctx context.Context, threadID string) (assistant.ThreadStatus, error) {
	if strings.TrimSpace(threadID) == "" {
		return assistant.ThreadStatus{}, validationError("Thread ID is required")
	}
	ctx, _, cancel := s.bound(ctx, s.now())
	defer cancel()

	sess, err := s.newSession(ctx)
	if err != nil {
		return assistant.ThreadStatus{}, Classify(err, nil)
	}
	st, err := sess.threads.Status(ctx, threadID)
	if err != nil {
		return assistant.ThreadStatus{}, Classify(err, sess.redactor)
	}
	return st, nil
}

// Models lists the models visible to the configured credentials.
func (s *Service) Models(ctx context.Context) ([]string, error) {
	sess, err := s.newSession(ctx)
	if err != nil {
		return nil, Classify(err, nil)
	}
	ids, err := sess.client.ListModels(ctx)
	if err != nil {
		return nil, Classify(err, sess.redactor)
	}
	return ids, nil
}

// DeepLink builds the shareable chat URL for r.
func (s *Service) DeepLink(r LinkRequest) (string, error) {
	return GenerateURL(s.d.DeepLinkBase, s.d.DeepLinkOrg, r)
}

func (s *Service) record(ctx context.Context, req ChatRequest, res ChatResult, f *Failure, start time.Time) {
	t := sink.Transcript{
		ID:           uuid.New().String(),
		CreatedAt:    start,
		UserID:       req.UserID,
		Organization: req.Organization,
		AssistantID:  req.AssistantID,
		ThreadID:     res.ThreadID,
		RunID:        res.RunID,
		Message:      req.Message,
		Reply:        res.Message,
		Outcome:      res.State.String(),
		HTTPStatus:   res.HTTPStatus,
		Duration:     s.now().Sub(start),
	}
	if res.Processing() {
		t.Reply = ""
	}
	if f != nil {
		t.Outcome = f.Kind.String()
		t.HTTPStatus = f.HTTPStatus()
		t.Reply = ""
	}
	if err := s.d.Sink.Record(ctx, t); err != nil {
		s.d.Logger.Warn("recording transcript failed", "thread_id", t.ThreadID, "error", err)
	}
}
