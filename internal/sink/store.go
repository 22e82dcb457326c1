package sink

import (
	"context"

	"github.com/integraled/threadrelay/internal/storage"
)

// Store writes transcripts to the local interaction log.
type Store struct {
	s *storage.Store
}

func NewStore(s *storage.Store) *Store {
	return &Store{s: s}
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Record(ctx context.Context, t Transcript) error {
	return s.s.SaveInteraction(ctx, storage.Interaction{
		ID:           t.ID,
		CreatedAt:    t.CreatedAt,
		UserID:       t.UserID,
		Organization: t.Organization,
		AssistantID:  t.AssistantID,
		ThreadID:     t.ThreadID,
		RunID:        t.RunID,
		Message:      t.Message,
		Reply:        t.Reply,
		Outcome:      t.Outcome,
		HTTPStatus:   t.HTTPStatus,
		Duration:     t.Duration,
	})
}
