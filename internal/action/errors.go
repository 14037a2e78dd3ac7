package action

import "fmt"

// ReasonCode classifies why raw model output could not become an Action.
type ReasonCode string

const (
	ReasonMalformedJSON    ReasonCode = "malformed_json"    // Not a single parseable JSON object.
	ReasonUnknownAction    ReasonCode = "unknown_action"    // Discriminator absent or not a known variant.
	ReasonMissingParameter ReasonCode = "missing_parameter" // A required parameter is absent or unusable.
	ReasonOutOfBounds      ReasonCode = "out_of_bounds"     // Click point outside the captured frame.
)

// ParseError reports a rejected model response. It keeps the raw output so
// the caller can record exactly what the model said.
type ParseError struct {
	Raw    string
	Reason ReasonCode
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func newParseError(raw string, reason ReasonCode, format string, args ...interface{}) *ParseError {
	return &ParseError{Raw: raw, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
