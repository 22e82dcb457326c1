package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/integraled/threadrelay/internal/metrics"
	"github.com/integraled/threadrelay/internal/resilient"
)

const replyScanLimit = 20

// Runs starts runs and polls them to a RunResult.
type Runs struct {
	c *Client
	// Interval is the fixed delay between status checks.
	Interval time.Duration
	// Grace lets the final status check run past the poll deadline.
	Grace time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRuns(c *Client, interval time.Duration) *Runs {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runs{c: c, Interval: interval, now: time.Now, sleep: sleepCtx}
}

// Start submits a run of assistantID against threadID.
func (r *Runs) Start(ctx context.Context, threadID, assistantID string) (Run, error) {
	run, err := r.c.api.CreateRun(resilient.WithPolicy(ctx, r.c.policies.Write), threadID, openai.RunRequest{
		AssistantID: assistantID,
	})
	if err != nil {
		return Run{}, fmt.Errorf("starting run on %s: %w", threadID, err)
	}
	r.c.logger.Info("run started", "thread_id", threadID, "run_id", run.ID, "assistant_id", assistantID)
	return toRun(run), nil
}

// Poll checks the run every Interval until it reaches a terminal status or
// deadline passes. Reaching the deadline is not an error: the result is
// StateProcessing and the caller may poll again later. An error is returned
// only when ctx ends or a status check fails after its retries.
func (r *Runs) Poll(ctx context.Context, threadID, runID string, deadline time.Time) (RunResult, error) {
	start := r.now()
	res, err := r.poll(ctx, threadID, runID, deadline)
	if err == nil {
		metrics.RunPolls.WithLabelValues(res.State.String()).Inc()
		metrics.RunPollDuration.WithLabelValues(res.State.String()).Observe(r.now().Sub(start).Seconds())
	}
	return res, err
}

func (r *Runs) poll(ctx context.Context, threadID, runID string, deadline time.Time) (RunResult, error) {
	last := openai.RunStatusQueued
	for checks := 0; ; checks++ {
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			r.c.logger.Info("run still pending at deadline",
				"thread_id", threadID, "run_id", runID, "status", last, "checks", checks)
			return processing(threadID, runID, string(last)), nil
		}
		if err := r.sleep(ctx, min(r.Interval, remaining)); err != nil {
			return RunResult{}, err
		}

		run, err := r.retrieve(ctx, threadID, runID, deadline)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return processing(threadID, runID, string(last)), nil
			}
			return RunResult{}, fmt.Errorf("checking run %s: %w", runID, err)
		}

		if rank(run.Status) < rank(last) {
			r.c.logger.Warn("ignoring run status regression",
				"run_id", runID, "from", last, "to", run.Status)
			continue
		}
		last = run.Status

		switch run.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
			continue
		case openai.RunStatusCompleted:
			text, err := r.LatestReply(ctx, threadID, runID)
			if err != nil {
				return RunResult{}, err
			}
			return completed(threadID, runID, text), nil
		case openai.RunStatusRequiresAction:
			return actionRequired(threadID, runID, run), nil
		default:
			reason := string(run.Status)
			if run.LastError != nil && run.LastError.Message != "" {
				reason = run.LastError.Message
			}
			r.c.logger.Warn("run ended without completing",
				"thread_id", threadID, "run_id", runID, "status", run.Status, "reason", reason)
			return failed(threadID, runID, string(run.Status), reason), nil
		}
	}
}

// retrieve bounds the status call so that it cannot run past the poll
// deadline by more than Grace.
func (r *Runs) retrieve(ctx context.Context, threadID, runID string, deadline time.Time) (openai.Run, error) {
	callCtx, cancel := context.WithDeadline(ctx, deadline.Add(r.Grace))
	defer cancel()
	return r.c.api.RetrieveRun(resilient.WithPolicy(callCtx, r.c.policies.Status), threadID, runID)
}

// LatestReply returns the newest assistant message of the thread, preferring
// one produced by runID.
func (r *Runs) LatestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := replyScanLimit
	order := "desc"
	list, err := r.c.api.ListMessage(resilient.WithPolicy(ctx, r.c.policies.Write), threadID, &limit, &order, nil, nil)
	if err != nil {
		return "", fmt.Errorf("listing messages of %s: %w", threadID, err)
	}

	var fallback *openai.Message
	for i := range list.Messages {
		m := &list.Messages[i]
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if m.RunID != nil && *m.RunID == runID {
			return messageText(*m), nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback == nil {
		return "", fmt.Errorf("thread %s: %w", threadID, ErrNoReply)
	}
	return messageText(*fallback), nil
}

func actionRequired(threadID, runID string, run openai.Run) RunResult {
	res := RunResult{State: StateActionRequired, ThreadID: threadID, RunID: runID, Status: string(run.Status)}
	if run.RequiredAction == nil {
		res.Action = string(run.Status)
		return res
	}
	res.Action = string(run.RequiredAction.Type)
	if sto := run.RequiredAction.SubmitToolOutputs; sto != nil && len(sto.ToolCalls) > 0 {
		call := sto.ToolCalls[0]
		res.Action = call.Function.Name
		res.ToolCallID = call.ID
		res.Params = toolParams(call.Function.Arguments)
	}
	return res
}

func toolParams(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(map[string]string{"arguments": args})
	return b
}

// rank orders run statuses so that regressions can be detected.
func rank(s openai.RunStatus) int {
	switch s {
	case openai.RunStatusQueued:
		return 0
	case openai.RunStatusInProgress:
		return 1
	case openai.RunStatusRequiresAction, openai.RunStatusCancelling:
		return 2
	default:
		return 3
	}
}

func toRun(r openai.Run) Run {
	return Run{ID: r.ID, ThreadID: r.ThreadID, Status: string(r.Status), CreatedAt: r.CreatedAt}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
