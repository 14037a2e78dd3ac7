package action

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
)

// wireAction is the canonical JSON shape of an action, the same shape the
// model is prompted to produce.
type wireAction struct {
	Action     schemas.ActionType      `json:"action"`
	URL        string                  `json:"url,omitempty"`
	X          *int                    `json:"x,omitempty"`
	Y          *int                    `json:"y,omitempty"`
	Text       string                  `json:"text,omitempty"`
	Direction  schemas.ScrollDirection `json:"direction,omitempty"`
	Amount     int                     `json:"amount,omitempty"`
	DurationMS int                     `json:"duration_ms,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
}

// Serialize renders an action in its canonical JSON form. Only the
// parameters belonging to the action's variant are written, so
// Parse(Serialize(a)) reproduces any valid a.
func Serialize(a schemas.Action) (string, error) {
	if !a.Type.Valid() {
		return "", fmt.Errorf("cannot serialize unknown action type %q", a.Type)
	}

	w := wireAction{Action: a.Type, Reason: a.Reason}
	switch a.Type {
	case schemas.ActionNavigate:
		w.URL = a.URL
	case schemas.ActionClick:
		x, y := a.X, a.Y
		w.X, w.Y = &x, &y
	case schemas.ActionTypeText:
		w.Text = a.Text
	case schemas.ActionScroll:
		w.Direction = a.Direction
		w.Amount = a.Amount
	case schemas.ActionWait:
		w.DurationMS = a.DurationMS
	case schemas.ActionDone, schemas.ActionFail:
		w.Message = a.Message
	}

	out, err := json.MarshalToString(w)
	if err != nil {
		return "", fmt.Errorf("failed to marshal action: %w", err)
	}
	return out, nil
}

// Describe is Serialize for log and history output: it never fails and
// falls back to the bare type name.
func Describe(a schemas.Action) string {
	out, err := Serialize(a)
	if err != nil {
		return string(a.Type)
	}
	return out
}
