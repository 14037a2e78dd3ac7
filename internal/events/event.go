package events

import (
	"encoding/base64"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type identifies the kind of event in a session stream.
type Type string

const (
	TypeStep    Type = "step"
	TypeDone    Type = "done"    // Terminal.
	TypeFail    Type = "fail"    // Terminal.
	TypeStopped Type = "stopped" // Terminal.
)

// IsTerminal reports whether the event ends its stream.
func (t Type) IsTerminal() bool {
	return t == TypeDone || t == TypeFail || t == TypeStopped
}

// Event is one entry in a session's ordered stream: zero or more step
// events followed by exactly one terminal event. It encodes to the step or
// terminal shape according to Type; the tags serve decoding.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`

	// Step events.
	Step       int    `json:"step,omitempty"`
	Action     string `json:"action,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	URL        string `json:"url,omitempty"`
	Screenshot string `json:"screenshot,omitempty"` // Base64 PNG.
	ElapsedMS  int64  `json:"elapsed_ms"`

	// Both. For terminal events this is the human readable outcome.
	Message string `json:"message"`

	// Terminal events.
	Steps int `json:"steps"`

	Timestamp time.Time `json:"timestamp"`
}

type stepWire struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id"`
	Step       int       `json:"step"`
	Action     string    `json:"action"`
	Message    string    `json:"message"`
	Reason     string    `json:"reason,omitempty"`
	Success    bool      `json:"success"`
	URL        string    `json:"url,omitempty"`
	Screenshot string    `json:"screenshot,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

type terminalWire struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Steps     int       `json:"steps"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON writes only the fields of the event's kind. Zero values of
// those fields are kept.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type.IsTerminal() {
		return json.Marshal(terminalWire{
			Type:      e.Type,
			SessionID: e.SessionID,
			Message:   e.Message,
			Steps:     e.Steps,
			Timestamp: e.Timestamp,
		})
	}
	return json.Marshal(stepWire{
		Type:       e.Type,
		SessionID:  e.SessionID,
		Step:       e.Step,
		Action:     e.Action,
		Message:    e.Message,
		Reason:     e.Reason,
		Success:    e.Success != nil && *e.Success,
		URL:        e.URL,
		Screenshot: e.Screenshot,
		ElapsedMS:  e.ElapsedMS,
		Timestamp:  e.Timestamp,
	})
}

// NewStepEvent builds the stream event for a recorded step.
func NewStepEvent(sessionID string, step session.Step) Event {
	success := step.Success
	ev := Event{
		Type:      TypeStep,
		SessionID: sessionID,
		Step:      step.Index,
		Action:    step.ActionName(),
		Message:   step.Message,
		Reason:    step.Reason,
		Success:   &success,
		URL:       step.URL,
		ElapsedMS: step.ElapsedMS,
		Timestamp: step.RecordedAt,
	}
	if len(step.Screenshot) > 0 {
		ev.Screenshot = base64.StdEncoding.EncodeToString(step.Screenshot)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// NewTerminalEvent builds the final event of a stream from the session's
// terminal status.
func NewTerminalEvent(sessionID string, status session.Status, message string, steps int) Event {
	t := TypeFail
	switch status {
	case session.StatusDone:
		t = TypeDone
	case session.StatusStopped:
		t = TypeStopped
	}
	return Event{
		Type:      t,
		SessionID: sessionID,
		Message:   message,
		Steps:     steps,
		Timestamp: time.Now().UTC(),
	}
}
