package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one relayed chat exchange.
type Interaction struct {
	ID           string
	CreatedAt    time.Time
	UserID       string
	Organization string
	AssistantID  string
	ThreadID     string
	RunID        string
	Message      string
	Reply        string
	// Outcome is the run state: completed, failed, processing,
	// action_required, or error when the request failed before polling.
	Outcome    string
	HTTPStatus int
	Duration   time.Duration
}
