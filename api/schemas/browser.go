package schemas

import "time"

// ActionType names one member of the closed set of browser actions the
// vision model may choose for a single step.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionDone     ActionType = "done" // Goal satisfied. Terminal.
	ActionFail     ActionType = "fail" // Goal unreachable. Terminal.
)

// ActionTypes lists every known variant in a stable order.
var ActionTypes = []ActionType{
	ActionNavigate,
	ActionClick,
	ActionTypeText,
	ActionScroll,
	ActionWait,
	ActionDone,
	ActionFail,
}

// Valid reports whether t is one of the known variants.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the action ends the session.
func (t ActionType) IsTerminal() bool {
	return t == ActionDone || t == ActionFail
}

// ScrollDirection is the direction of a scroll action.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// Action is one validated browser operation. Only the fields belonging to
// Type are meaningful; the rest stay at their zero value. A zero Amount or
// DurationMS means "use the executor default".
//
// The wire form is produced and consumed by the action package.
type Action struct {
	Type ActionType

	URL        string          // navigate
	X, Y       int             // click, in frame pixels
	Text       string          // type
	Direction  ScrollDirection // scroll
	Amount     int             // scroll, pixels
	DurationMS int             // wait
	Message    string          // done, fail

	// Reason is the model's optional rationale for choosing the action.
	Reason string
}

// IsTerminal reports whether the action ends the session.
func (a Action) IsTerminal() bool { return a.Type.IsTerminal() }

// Viewport is the pixel size of a captured frame.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether the point lies inside the viewport.
func (v Viewport) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < v.Width && y < v.Height
}

// Frame is the visual state of the page at one instant.
type Frame struct {
	Image      []byte // PNG encoded.
	URL        string
	Viewport   Viewport
	CapturedAt time.Time
}

// ExecutionResult reports what an executed action did.
type ExecutionResult struct {
	Message string
	URL     string
}

// HistoryEntry is the condensed record of a prior step handed back to the
// model so it can see what it already tried.
type HistoryEntry struct {
	Step    int
	Action  string // Canonical JSON of the action, or "none" when parsing failed.
	Message string
	Success bool
}

// DecisionRequest carries everything the Decision Port needs for one call.
type DecisionRequest struct {
	Goal    string
	History []HistoryEntry
	Frame   Frame
}

// SessionOptions configures a browser session when it is opened.
type SessionOptions struct {
	Headless bool
}

// SessionRecord is the persisted header of a run.
type SessionRecord struct {
	ID        string
	Goal      string
	StartURL  string
	Headless  bool
	CreatedAt time.Time
}

// StepRecord is the persisted form of a step, without the screenshot.
type StepRecord struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"step"`
	Action     string    `json:"action"`
	Message    string    `json:"message"`
	Reason     string    `json:"reason,omitempty"`
	Success    bool      `json:"success"`
	URL        string    `json:"url,omitempty"`
	ParseError string    `json:"parse_error,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
