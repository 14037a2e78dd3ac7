// internal/agent/errors.go
package agent

import "errors"

// ErrMissingDependency is returned by NewLoop when a required port is nil.
var ErrMissingDependency = errors.New("agent loop dependency missing")

// Human readable outcomes carried by terminal events.
const (
	msgCancelled      = "Session cancelled by client"
	msgStepCeiling    = "Reached maximum steps (%d) without completing the goal"
	msgGoalDone       = "Goal accomplished: %s"
	msgGoalFailed     = "Cannot complete: %s"
	msgParseFailure   = "Could not parse model response (%s): %s"
	msgParseExhausted = "Model returned %d unusable responses in a row; last: %s"
	msgRejected       = "Action failed: %v"
	msgRejectExhaust  = "Browser rejected %d actions in a row; last: %v"
	msgStartFailed    = "Could not open start URL %s: %v"
	msgPerception     = "Could not capture the page after %d attempts: %v"
	msgDecision       = "Vision model unavailable after %d attempts: %v"
	msgExecution      = "Browser unavailable after %d attempts: %v"
)
