package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/integraled/threadrelay/internal/assistant"
	"github.com/integraled/threadrelay/internal/assistant/assistanttest"
	"github.com/integraled/threadrelay/internal/credentials"
	"github.com/integraled/threadrelay/internal/protocol"
	"github.com/integraled/threadrelay/internal/resilient"
	"github.com/integraled/threadrelay/internal/sink"
)

type memorySink struct {
	mu  sync.Mutex
	got []sink.Transcript
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Record(_ context.Context, t sink.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, t)
	return nil
}

func (m *memorySink) last(t *testing.T) sink.Transcript {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.got) == 0 {
		t.Fatal("no transcript recorded")
	}
	return m.got[len(m.got)-1]
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestService(t *testing.T, srv *assistanttest.Server, mutate ...func(*Deps)) (*Service, *memorySink) {
	t.Helper()
	p := resilient.DefaultPolicy().With(3, 2*time.Second)
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	tr := resilient.NewTransport(p)
	tr.Logger = quiet()

	ms := &memorySink{}
	d := Deps{
		Credentials:       credentials.Static{"OPENAI_API_KEY": "sk-test"},
		Names:             credentials.Names{APIKey: "OPENAI_API_KEY", OrgID: "OPENAI_ORG_ID"},
		BaseURL:           srv.URL,
		AssistantsVersion: "v2",
		Transport:         tr,
		Budget:            2 * time.Second,
		Reserve:           200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		DeepLinkBase:      "https://integraled.github.io/rag-bmore/",
		DeepLinkOrg:       "IntegralEd",
		Sink:              ms,
		Logger:            quiet(),
	}
	for _, m := range mutate {
		m(&d)
	}
	return New(d), ms
}

func shortBudget(d *Deps) {
	d.Budget = 300 * time.Millisecond
	d.Reserve = 100 * time.Millisecond
}

func asFailure(t *testing.T, err error) *Failure {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v (%T), want *Failure", err, err)
	}
	return f
}

func TestChat_NewThread(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, ms := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.HTTPStatus != 200 || res.Message != "Hello from the assistant" || res.ThreadID == "" {
		t.Fatalf("result = %+v", res)
	}
	if srv.ThreadCount() != 1 {
		t.Errorf("threads = %d, want 1", srv.ThreadCount())
	}
	ns, ok := res.Outcome.(protocol.NewSession)
	if !ok || ns.AgentID != "asst_1" || ns.SessionID != res.ThreadID {
		t.Errorf("outcome = %#v, want NewSession", res.Outcome)
	}
	if got := srv.Messages(res.ThreadID); len(got) != 2 || got[0] != "user: hello" {
		t.Errorf("messages = %v", got)
	}
	if md := srv.Metadata(res.ThreadID); md["user_id"] != "u1" || md["organization"] != "unknown" {
		t.Errorf("metadata = %v", md)
	}

	tr := ms.last(t)
	if tr.Outcome != "completed" || tr.ThreadID != res.ThreadID || tr.Reply != res.Message || tr.HTTPStatus != 200 {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestChat_ReplacesUnverifiableThread(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "hi again", AssistantID: "asst_1", ThreadID: "thread_bad"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.ThreadID == "" || res.ThreadID == "thread_bad" {
		t.Errorf("ThreadID = %q, want a new thread", res.ThreadID)
	}
	if _, ok := res.Outcome.(protocol.NewSession); !ok {
		t.Errorf("outcome = %T, want NewSession", res.Outcome)
	}
}

func TestChat_ReusesThread(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.AddThread("thread_ok")
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "more", AssistantID: "asst_1", ThreadID: "thread_ok", Organization: "IntegralEd"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.ThreadID != "thread_ok" {
		t.Errorf("ThreadID = %q, want thread_ok", res.ThreadID)
	}
	if c, ok := res.Outcome.(protocol.ContinueThread); !ok || c.ThreadID != "thread_ok" {
		t.Errorf("outcome = %#v, want ContinueThread", res.Outcome)
	}
	if got := srv.Calls(assistanttest.RouteCreateThread); got != 0 {
		t.Errorf("create calls = %d, want 0", got)
	}
}

func TestChat_DeadlineReturnsProcessing(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.RunScript = []string{"in_progress"}
	svc, ms := newTestService(t, srv, shortBudget)

	start := time.Now()
	res, err := svc.Chat(context.Background(), ChatRequest{Message: "slow", AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Chat took %v with a 300ms budget", elapsed)
	}
	if res.HTTPStatus != 202 || !res.Processing() || res.Message != ProcessingMessage {
		t.Fatalf("result = %+v", res)
	}
	if res.ThreadID == "" || res.RunID == "" {
		t.Errorf("result lacks ids: %+v", res)
	}
	a, ok := res.Outcome.(protocol.Action)
	if !ok || a.Action != protocol.ActionPollRun {
		t.Fatalf("outcome = %#v, want poll_run action", res.Outcome)
	}
	var params map[string]string
	json.Unmarshal(a.Params, &params)
	if params["thread_id"] != res.ThreadID || params["run_id"] != res.RunID {
		t.Errorf("params = %v", params)
	}
	if tr := ms.last(t); tr.Outcome != "processing" || tr.HTTPStatus != 202 || tr.Reply != "" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestChat_RespectsContextDeadline(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.RunScript = []string{"in_progress"}
	svc, _ := newTestService(t, srv, func(d *Deps) {
		d.Budget = time.Minute
		d.Reserve = 100 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	res, err := svc.Chat(ctx, ChatRequest{Message: "slow", AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Processing() {
		t.Errorf("result = %+v, want processing", res)
	}
	if ctx.Err() != nil {
		t.Error("Chat ran until the caller's deadline instead of stopping at the reserve")
	}
}

func TestChat_ActiveRunSkipsAppend(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.AddThread("thread_x")
	runID := srv.AddRun("thread_x", "in_progress")
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "again", AssistantID: "asst_1", ThreadID: "thread_x"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.HTTPStatus != 202 || res.RunID != runID {
		t.Errorf("result = %+v, want 202 for %s", res, runID)
	}
	if got := srv.Calls(assistanttest.RouteAddMessage); got != 0 {
		t.Errorf("add message calls = %d, want 0", got)
	}
	if got := srv.Calls(assistanttest.RouteCreateRun); got != 0 {
		t.Errorf("create run calls = %d, want 0", got)
	}
}

func TestChat_BusyRecheckFindsRun(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.AddThread("thread_x")
	runID := srv.AddRun("thread_x", "queued")
	srv.FailNext(assistanttest.RouteListRuns, 400)
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "again", AssistantID: "asst_1", ThreadID: "thread_x"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.HTTPStatus != 202 || res.RunID != runID {
		t.Errorf("result = %+v, want 202 for %s", res, runID)
	}
}

func TestChat_BusyWithoutRunIDFails(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.AddThread("thread_x")
	srv.AddRun("thread_x", "queued")
	srv.FailNext(assistanttest.RouteListRuns, 400, 400)
	svc, ms := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "again", AssistantID: "asst_1", ThreadID: "thread_x"})
	if err == nil {
		t.Fatalf("Chat = %+v, want an error", res)
	}
	if f := asFailure(t, err); f.HTTPStatus() != 502 {
		t.Errorf("failure = %+v, want 502", f)
	}
	if res.Processing() {
		t.Errorf("result = %+v, want no processing result", res)
	}
	if got := srv.Calls(assistanttest.RouteAddMessage); got != 1 {
		t.Errorf("add message calls = %d, want 1", got)
	}
	if tr := ms.last(t); tr.HTTPStatus != 502 || tr.RunID != "" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestChat_SlowUpstreamStaysWithinBudget(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.Stall(assistanttest.RouteCreateThread, 5*time.Second)
	svc, _ := newTestService(t, srv, func(d *Deps) {
		d.Budget = time.Second
		d.Reserve = 200 * time.Millisecond
	})

	start := time.Now()
	_, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("Chat took %v with a 1s budget", elapsed)
	}
	f := asFailure(t, err)
	if f.Kind != KindUpstreamTimeout || f.HTTPStatus() != 504 {
		t.Errorf("failure = %+v, want upstream timeout", f)
	}
}

func TestChat_BudgetSpentAfterRunStartIsProcessing(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.Stall(assistanttest.RouteListMessages, 5*time.Second)
	svc, _ := newTestService(t, srv, func(d *Deps) {
		d.Budget = time.Second
		d.Reserve = 200 * time.Millisecond
	})

	start := time.Now()
	res, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("Chat took %v with a 1s budget", elapsed)
	}
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Processing() || res.HTTPStatus != 202 || res.RunID == "" {
		t.Errorf("result = %+v, want processing with a run id", res)
	}
}

func TestChat_RunFailed(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.RunScript = []string{"failed"}
	srv.LastError = "The server had an error"
	svc, ms := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	f := asFailure(t, err)
	if f.Kind != KindRunFailed || f.HTTPStatus() != 500 || f.Public != "Run failed" {
		t.Errorf("failure = %+v", f)
	}
	if f.Detail != "The server had an error" {
		t.Errorf("Detail = %q", f.Detail)
	}

	// The thread stays usable.
	st, err := svc.ThreadStatus(context.Background(), res.ThreadID)
	if err != nil {
		t.Fatalf("ThreadStatus: %v", err)
	}
	if !st.Exists || st.ActiveRuns != 0 {
		t.Errorf("status = %+v", st)
	}
	if tr := ms.last(t); tr.Outcome != "run_failed" || tr.HTTPStatus != 500 {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestChat_RequiresAction(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.RunScript = []string{"requires_action"}
	srv.Tool = &assistanttest.ToolCall{Name: "switch_agent", Arguments: `{"target_agent":"integral_math"}`}
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "solve x", AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	a, ok := res.Outcome.(protocol.Action)
	if !ok || a.Action != "switch_agent" || res.HTTPStatus != 200 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(string(a.Params), "integral_math") {
		t.Errorf("params = %s", a.Params)
	}
}

func TestChat_AuthErrorNotRetriedAndRedacted(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.APIKey = "sk-live-key"
	svc, _ := newTestService(t, srv)

	_, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	f := asFailure(t, err)
	if f.Kind != KindAuth || f.Public != "Authentication error" || f.HTTPStatus() != 500 {
		t.Errorf("failure = %+v", f)
	}
	if strings.Contains(f.Error(), "sk-test") {
		t.Errorf("failure leaks the API key: %q", f.Error())
	}
}

func TestChat_UpstreamExhausted(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.FailNext(assistanttest.RouteCreateThread, 503, 503, 503)
	svc, _ := newTestService(t, srv)

	_, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	f := asFailure(t, err)
	if f.Kind != KindUpstreamUnavailable || f.HTTPStatus() != 502 {
		t.Errorf("failure = %+v", f)
	}
	if got := srv.Calls(assistanttest.RouteCreateThread); got != 3 {
		t.Errorf("create attempts = %d, want 3", got)
	}
}

func TestChat_TransientAbsorbed(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.FailNext(assistanttest.RouteCreateRun, 500, 502)
	svc, _ := newTestService(t, srv)

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.HTTPStatus != 200 {
		t.Errorf("HTTPStatus = %d", res.HTTPStatus)
	}
}

func TestChat_MissingCredentials(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, _ := newTestService(t, srv, func(d *Deps) { d.Credentials = credentials.Static{} })

	_, err := svc.Chat(context.Background(), ChatRequest{Message: "hello", AssistantID: "asst_1"})
	if f := asFailure(t, err); f.Kind != KindAuth {
		t.Errorf("Kind = %v, want auth", f.Kind)
	}
}

func TestChat_Validation(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, _ := newTestService(t, srv)

	for _, req := range []ChatRequest{
		{AssistantID: "asst_1"},
		{Message: "hello"},
		{Message: "   ", AssistantID: "asst_1"},
	} {
		_, err := svc.Chat(context.Background(), req)
		f := asFailure(t, err)
		if f.HTTPStatus() != 400 || f.Public != "Missing required fields: message and Assistant_ID" {
			t.Errorf("Chat(%+v) failure = %+v", req, f)
		}
	}
	if h := srv.LastHeader(); h != nil {
		t.Error("validation failures reached the upstream")
	}
}

func TestPollRun_CompletesAfterProcessing(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.RunScript = []string{"in_progress", "in_progress", "in_progress", "in_progress", "completed"}
	srv.Reply = "done"
	svc, _ := newTestService(t, srv, func(d *Deps) {
		d.Budget = 150 * time.Millisecond
		d.Reserve = 50 * time.Millisecond
		d.PollInterval = 40 * time.Millisecond
	})

	res, err := svc.Chat(context.Background(), ChatRequest{Message: "slow", AssistantID: "asst_1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Processing() {
		t.Fatalf("first result = %+v, want processing", res)
	}

	for i := 0; i < 10 && res.Processing(); i++ {
		res, err = svc.PollRun(context.Background(), res.ThreadID, res.RunID)
		if err != nil {
			t.Fatalf("PollRun: %v", err)
		}
	}
	if res.State != assistant.StateCompleted || res.Message != "done" {
		t.Errorf("result = %+v, want completed with reply", res)
	}
	if _, ok := res.Outcome.(protocol.ContinueThread); !ok {
		t.Errorf("outcome = %T, want ContinueThread", res.Outcome)
	}
}

func TestPollRun_Validation(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, _ := newTestService(t, srv)

	_, err := svc.PollRun(context.Background(), "thread_1", "")
	if f := asFailure(t, err); f.HTTPStatus() != 400 {
		t.Errorf("status = %d, want 400", f.HTTPStatus())
	}
}

func TestThreadStatus(t *testing.T) {
	srv := assistanttest.NewServer(t)
	srv.AddThread("thread_x")
	srv.AddRun("thread_x", "queued")
	svc, _ := newTestService(t, srv)

	st, err := svc.ThreadStatus(context.Background(), "thread_x")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exists || st.ActiveRuns != 1 || st.Status != "queued" {
		t.Errorf("status = %+v", st)
	}

	_, err = svc.ThreadStatus(context.Background(), "")
	if f := asFailure(t, err); f.Public != "Thread ID is required" {
		t.Errorf("failure = %+v", f)
	}
}

func TestModels(t *testing.T) {
	srv := assistanttest.NewServer(t)
	svc, _ := newTestService(t, srv)

	ids, err := svc.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "gpt-4o" {
		t.Errorf("models = %v", ids)
	}
}

func TestDeadline_UsesEarlierOfBudgetAndContext(t *testing.T) {
	svc := New(Deps{Budget: 25 * time.Second, Reserve: 4 * time.Second})
	start := time.Now()

	if got := svc.deadline(context.Background(), start); !got.Equal(start.Add(21 * time.Second)) {
		t.Errorf("deadline = %v, want start+21s", got.Sub(start))
	}

	ctx, cancel := context.WithDeadline(context.Background(), start.Add(10*time.Second))
	defer cancel()
	if got := svc.deadline(ctx, start); !got.Equal(start.Add(6 * time.Second)) {
		t.Errorf("deadline = %v, want start+6s", got.Sub(start))
	}
}
