// Package protocol defines the status-coded outcomes the chat frontend
// dispatches on. The set of codes is closed: every Outcome is one of the
// variant types below, and Dispatch hands it to the matching Visitor method.
package protocol

import (
	"encoding/json"
	"strconv"
)

// Code is an application-level status code. It is distinct from the HTTP
// status of the response carrying it.
type Code int

const (
	CodeStartStream    Code = 200
	CodeNewSession     Code = 220
	CodeContinueThread Code = 230
	CodeAction         Code = 300
	CodeError          Code = 400
	CodeAuthRequired   Code = 420
)

// Codes lists every code in ascending order.
var Codes = []Code{CodeStartStream, CodeNewSession, CodeContinueThread, CodeAction, CodeError, CodeAuthRequired}

func (c Code) String() string { return strconv.Itoa(int(c)) }

// Class partitions codes into success, action and error.
func (c Code) Class() string {
	switch {
	case c >= 200 && c < 300:
		return "success"
	case c >= 300 && c < 400:
		return "action"
	default:
		return "error"
	}
}

// Description is the short human label of the code, as advertised by the
// handshake.
func (c Code) Description() string {
	switch c {
	case CodeStartStream:
		return "start stream"
	case CodeNewSession:
		return "new agent session"
	case CodeContinueThread:
		return "continue existing thread"
	case CodeAction:
		return "dynamic action"
	case CodeError:
		return "error"
	case CodeAuthRequired:
		return "authentication required"
	default:
		return "unknown"
	}
}

// Outcome is one of StartStream, NewSession, ContinueThread, Action, Error
// or AuthRequired.
type Outcome interface {
	Code() Code
	accept(v Visitor) error
}

// Visitor has one method per code. Adding a code adds a method here, so
// every dispatcher must handle it before it compiles.
type Visitor interface {
	StartStream(StartStream) error
	NewSession(NewSession) error
	ContinueThread(ContinueThread) error
	Action(Action) error
	Error(Error) error
	AuthRequired(AuthRequired) error
}

// Dispatch calls the Visitor method matching o.
func Dispatch(o Outcome, v Visitor) error {
	return o.accept(v)
}

// StartStream tells the frontend to render message on thread ThreadID.
type StartStream struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// NewSession announces a freshly created thread.
type NewSession struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// ContinueThread confirms that an existing thread was reused.
type ContinueThread struct {
	ThreadID string `json:"thread_id"`
	Context  string `json:"context,omitempty"`
}

// Action asks the frontend to perform Action with Params.
type Action struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Error reports a failure the frontend should display.
type Error struct {
	Err     string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AuthRequired asks the frontend to authenticate, optionally at LoginURL.
type AuthRequired struct {
	Err      string `json:"error"`
	LoginURL string `json:"login_url,omitempty"`
}

func (StartStream) Code() Code    { return CodeStartStream }
func (NewSession) Code() Code     { return CodeNewSession }
func (ContinueThread) Code() Code { return CodeContinueThread }
func (Action) Code() Code         { return CodeAction }
func (Error) Code() Code          { return CodeError }
func (AuthRequired) Code() Code   { return CodeAuthRequired }

func (o StartStream) accept(v Visitor) error    { return v.StartStream(o) }
func (o NewSession) accept(v Visitor) error     { return v.NewSession(o) }
func (o ContinueThread) accept(v Visitor) error { return v.ContinueThread(o) }
func (o Action) accept(v Visitor) error         { return v.Action(o) }
func (o Error) accept(v Visitor) error          { return v.Error(o) }
func (o AuthRequired) accept(v Visitor) error   { return v.AuthRequired(o) }

// PollRun is the Action the frontend receives when a run is still working:
// it should ask again later for thread and run.
func PollRun(threadID, runID string) Action {
	params, _ := json.Marshal(map[string]string{"thread_id": threadID, "run_id": runID})
	return Action{Action: ActionPollRun, Params: params}
}

// ActionPollRun names the Action returned by PollRun.
const ActionPollRun = "poll_run"
