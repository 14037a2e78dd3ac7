package schemas

import (
	"context"
	"errors"
)

// ErrActionRejected marks an Execution Port error where the browser refused
// or could not carry out the action (bad URL, crashed target, etc.). Errors
// not wrapping it are treated as transient faults by the agent loop.
var ErrActionRejected = errors.New("action rejected by browser")

// -- Port Interfaces --

// Perceiver captures the current visual state of a browser session.
type Perceiver interface {
	// Capture returns a screenshot of the viewport plus page metadata.
	Capture(ctx context.Context) (Frame, error)
}

// Decider chooses the next action. The returned string is the raw, untrusted
// model output; it is validated by the action parser, never by the Decider.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (string, error)
}

// Executor performs a validated action against the live browser.
type Executor interface {
	// Execute runs the action to completion. Implementations wrap
	// ErrActionRejected when the browser rejected the action itself.
	Execute(ctx context.Context, action Action) (ExecutionResult, error)
}

// BrowserSession is a single, exclusively owned browser context.
type BrowserSession interface {
	Perceiver
	Executor
	// Close releases the browser context. It is safe to call more than once.
	Close() error
}

// BrowserManager opens browser sessions.
type BrowserManager interface {
	NewSession(ctx context.Context, opts SessionOptions) (BrowserSession, error)
	// Shutdown closes every session still open.
	Shutdown(ctx context.Context) error
}

// -- Store Interface --

// RunJournal persists the history of runs. Implementations must be safe for
// concurrent use by many agent loops.
type RunJournal interface {
	SessionStarted(ctx context.Context, rec SessionRecord) error
	StepRecorded(ctx context.Context, rec StepRecord) error
	SessionFinished(ctx context.Context, sessionID string, status string, message string, steps int) error
}
