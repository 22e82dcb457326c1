package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownCode is returned by Decode for a status outside the closed set.
	ErrUnknownCode = errors.New("unknown status code")
	// ErrMissingField is returned when a payload lacks a required field.
	ErrMissingField = errors.New("missing required payload field")
)

// Envelope is the wire form of an Outcome.
type Envelope struct {
	Status  Code            `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON writes the code as a string, which is what the frontend's
// dispatch table is keyed by.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts the code as a string or a number.
func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("status %s: %w", b, ErrUnknownCode)
	}
	*c = Code(n)
	return nil
}

// Encode validates o and wraps it in an Envelope.
func Encode(o Outcome) (Envelope, error) {
	if err := Validate(o); err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %d payload: %w", o.Code(), err)
	}
	return Envelope{Status: o.Code(), Payload: payload}, nil
}

// Marshal encodes o as envelope JSON.
func Marshal(o Outcome) ([]byte, error) {
	env, err := Encode(o)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses envelope JSON into its Outcome variant.
func Decode(data []byte) (Outcome, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.Outcome()
}

// Outcome converts the envelope back to its variant, rejecting unknown codes
// and payloads without their required fields.
func (e Envelope) Outcome() (Outcome, error) {
	var (
		o   Outcome
		err error
	)
	switch e.Status {
	case CodeStartStream:
		o, err = decodeAs[StartStream](e.Payload)
	case CodeNewSession:
		o, err = decodeAs[NewSession](e.Payload)
	case CodeContinueThread:
		o, err = decodeAs[ContinueThread](e.Payload)
	case CodeAction:
		o, err = decodeAs[Action](e.Payload)
	case CodeError:
		o, err = decodeAs[Error](e.Payload)
	case CodeAuthRequired:
		o, err = decodeAs[AuthRequired](e.Payload)
	default:
		return nil, fmt.Errorf("status %d: %w", e.Status, ErrUnknownCode)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %d payload: %w", e.Status, err)
	}
	if err := Validate(o); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeAs[T Outcome](payload json.RawMessage) (Outcome, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate reports the first required field o lacks.
func Validate(o Outcome) error {
	var missing string
	switch v := o.(type) {
	case StartStream:
		missing = firstEmpty("thread_id", v.ThreadID, "message", v.Message)
	case NewSession:
		missing = firstEmpty("agent_id", v.AgentID, "session_id", v.SessionID)
	case ContinueThread:
		missing = firstEmpty("thread_id", v.ThreadID)
	case Action:
		missing = firstEmpty("action", v.Action)
		if missing == "" && (len(v.Params) == 0 || string(v.Params) == "null") {
			missing = "params"
		}
	case Error:
		missing = firstEmpty("error", v.Err)
	case AuthRequired:
		missing = firstEmpty("error", v.Err)
	case nil:
		return fmt.Errorf("nil outcome: %w", ErrUnknownCode)
	}
	if missing != "" {
		return fmt.Errorf("%d payload %q: %w", o.Code(), missing, ErrMissingField)
	}
	return nil
}

func firstEmpty(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}
