package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
)

// ErrSessionFinished is returned when a step is appended after the session
// reached a terminal status.
var ErrSessionFinished = errors.New("session already finished")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping" // Cancellation requested, loop not yet at a boundary.
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusStopped
}

// Step is the record of one loop iteration. Steps are never mutated once
// appended.
type Step struct {
	Index      int
	Action     *schemas.Action // nil when the model output could not be parsed.
	Message    string
	Reason     string
	Success    bool
	Screenshot []byte // PNG captured before the action ran.
	URL        string
	ParseError string // Reason code when parsing failed.
	ElapsedMS  int64
	RecordedAt time.Time
}

// ActionName is the action type of the step, or "none".
func (s Step) ActionName() string {
	if s.Action == nil {
		return "none"
	}
	return string(s.Action.Type)
}

// Session is one goal-directed run. Identity fields are immutable; the rest
// is guarded by mu, except the cancel flag which the agent loop polls
// without taking any lock.
type Session struct {
	ID        string
	Goal      string
	StartURL  string
	Headless  bool
	CreatedAt time.Time

	cancelRequested atomic.Bool

	mu           sync.RWMutex
	status       Status
	steps        []Step
	finishedAt   time.Time
	finalMessage string
}

func newSession(id, goal, startURL string, headless bool, now time.Time) *Session {
	return &Session{
		ID:        id,
		Goal:      goal,
		StartURL:  startURL,
		Headless:  headless,
		CreatedAt: now,
		status:    StatusRunning,
	}
}

// CancelRequested reports whether a stop was requested. Safe to call from
// any goroutine without holding the registry lock.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// requestStop sets the cancel flag once and moves a running session to
// stopping. It reports whether this call was the one that set the flag.
func (s *Session) requestStop() bool {
	if !s.cancelRequested.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusStopping
	}
	s.mu.Unlock()
	return true
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StepCount returns the number of recorded steps.
func (s *Session) StepCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

// Steps returns a copy of the recorded steps.
func (s *Session) Steps() []Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// AppendStep assigns the next index to step, stores it and returns the
// stored copy.
func (s *Session) AppendStep(step Step) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return Step{}, ErrSessionFinished
	}
	step.Index = len(s.steps) + 1
	if step.RecordedAt.IsZero() {
		step.RecordedAt = time.Now().UTC()
	}
	s.steps = append(s.steps, step)
	return step, nil
}

// Finish moves the session to a terminal status. The first call wins; later
// calls return false and change nothing.
func (s *Session) Finish(status Status, message string) bool {
	if !status.IsTerminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return false
	}
	s.status = status
	s.finalMessage = message
	s.finishedAt = time.Now().UTC()
	return true
}

// Info is a point-in-time, serializable view of a session.
type Info struct {
	ID              string     `json:"session_id"`
	Goal            string     `json:"goal"`
	StartURL        string     `json:"start_url"`
	Headless        bool       `json:"headless"`
	Status          Status     `json:"status"`
	StepCount       int        `json:"step_count"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Snapshot returns the current Info for the session.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:              s.ID,
		Goal:            s.Goal,
		StartURL:        s.StartURL,
		Headless:        s.Headless,
		Status:          s.status,
		StepCount:       len(s.steps),
		CancelRequested: s.cancelRequested.Load(),
		CreatedAt:       s.CreatedAt,
		Message:         s.finalMessage,
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		info.FinishedAt = &finished
	}
	return info
}
