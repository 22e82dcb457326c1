// Package sink delivers transcripts of relayed exchanges to analytics
// destinations. Delivery is best effort: failures are logged and never reach
// the chat caller.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/integraled/threadrelay/internal/metrics"
)

// Transcript is one relayed exchange.
type Transcript struct {
	ID           string
	CreatedAt    time.Time
	UserID       string
	Organization string
	AssistantID  string
	ThreadID     string
	RunID        string
	Message      string
	Reply        string
	Outcome      string
	HTTPStatus   int
	Duration     time.Duration
}

// Sink records transcripts.
type Sink interface {
	Name() string
	Record(ctx context.Context, t Transcript) error
}

// Fanout records to every sink concurrently and joins their errors.
type Fanout []Sink

func NewFanout(sinks ...Sink) Fanout {
	var out Fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Record(ctx context.Context, t Transcript) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range f {
		g.Go(func() error {
			err := s.Record(ctx, t)
			result := "ok"
			if err != nil {
				result = "error"
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
			metrics.SinkDeliveries.WithLabelValues(s.Name(), result).Inc()
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
