package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Async records on a detached goroutine so that the caller's response is
// never delayed by a slow sink. Close waits for deliveries in flight.
type Async struct {
	next    Sink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Sink, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

func (a *Async) Name() string { return "async" }

// Record schedules delivery and returns immediately. The delivery outlives
// ctx's cancellation but keeps its values. After Close, Record drops t.
func (a *Async) Record(ctx context.Context, t Transcript) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("sink closed, dropping transcript", "thread_id", t.ThreadID)
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.next.Record(ctx, t); err != nil {
			a.logger.Warn("transcript delivery failed",
				"thread_id", t.ThreadID, "run_id", t.RunID, "error", err)
		}
	}()
	return nil
}

// Close stops accepting transcripts and waits for pending deliveries or
// ctx, whichever ends first.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every transcript.
type Discard struct{}

func (Discard) Name() string                              { return "discard" }
func (Discard) Record(context.Context, Transcript) error { return nil }
