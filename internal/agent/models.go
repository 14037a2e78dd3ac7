// internal/agent/models.go
package agent

import (
	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

// State is the loop's current phase. Completed, Failed and Stopped are
// terminal.
type State string

const (
	StateStarting  State = "STARTING"  // Opening the start URL.
	StateObserving State = "OBSERVING" // Capturing a frame.
	StateDeciding  State = "DECIDING"  // Waiting on the vision model.
	StateExecuting State = "EXECUTING" // Validating and performing the chosen action.
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateStopped   State = "STOPPED"
)

// IsTerminal reports whether the loop has ended.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// stateFor maps a terminal session status onto the loop state.
func stateFor(status session.Status) State {
	switch status {
	case session.StatusDone:
		return StateCompleted
	case session.StatusStopped:
		return StateStopped
	default:
		return StateFailed
	}
}

// EventSink receives the loop's step and terminal events.
type EventSink interface {
	Emit(sessionID string, ev events.Event)
}

// Dependencies are the collaborators a Loop drives.
type Dependencies struct {
	Perceiver schemas.Perceiver
	Decider   schemas.Decider
	Executor  schemas.Executor
	Events    EventSink

	// Optional.
	Journal schemas.RunJournal
	Metrics *metrics.Collector
}
