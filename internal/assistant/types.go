package assistant

import (
	"encoding/json"
	"errors"
)

var (
	// ErrThreadBusy is returned when the upstream refuses a message because
	// a run is still active on the thread.
	ErrThreadBusy = errors.New("thread has an active run")

	// ErrNoReply is returned when a completed run left no assistant message.
	ErrNoReply = errors.New("no assistant reply found")
)

// Metadata is attached to every thread created by the relay.
type Metadata struct {
	UserID       string
	Organization string
}

// Message is one turn of a thread.
type Message struct {
	ID      string
	Role    string
	Content string
	RunID   string
}

// Run is one execution of an assistant against a thread.
type Run struct {
	ID        string
	ThreadID  string
	Status    string
	CreatedAt int64
}

// ThreadStatus summarizes the runs of a thread.
type ThreadStatus struct {
	Exists     bool
	ActiveRuns int
	// Status is the status of the newest active run, or "completed".
	Status      string
	ActiveRunID string
}

// State is the tag of a RunResult.
type State int

const (
	StateCompleted State = iota
	StateFailed
	StateProcessing
	StateActionRequired
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateProcessing:
		return "processing"
	case StateActionRequired:
		return "action_required"
	default:
		return "unknown"
	}
}

// RunResult is the outcome of polling a run. Which fields are meaningful
// depends on State:
//
//	StateCompleted      Text
//	StateFailed         Reason
//	StateProcessing     Status (last observed run status)
//	StateActionRequired Action, Params, ToolCallID
//
// ThreadID and RunID are always set.
type RunResult struct {
	State      State
	ThreadID   string
	RunID      string
	Status     string
	Text       string
	Reason     string
	Action     string
	Params     json.RawMessage
	ToolCallID string
}

func completed(threadID, runID, text string) RunResult {
	return RunResult{State: StateCompleted, ThreadID: threadID, RunID: runID, Status: "completed", Text: text}
}

func failed(threadID, runID, status, reason string) RunResult {
	return RunResult{State: StateFailed, ThreadID: threadID, RunID: runID, Status: status, Reason: reason}
}

func processing(threadID, runID, status string) RunResult {
	return RunResult{State: StateProcessing, ThreadID: threadID, RunID: runID, Status: status}
}
