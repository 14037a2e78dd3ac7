// File: internal/service/runner.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/agent"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

var (
	// ErrInvalidRequest wraps every validation failure of a RunRequest.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunnerClosed is returned by Start once Shutdown has begun.
	ErrRunnerClosed = errors.New("runner is shutting down")
)

// RunRequest is the input to Start.
type RunRequest struct {
	Goal      string `json:"goal"`
	StartURL  string `json:"start_url,omitempty"`
	Headless  *bool  `json:"headless,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Run is a started session together with its event stream.
type Run struct {
	Session *session.Session
	Events  *events.Subscription
	// Release unsubscribes from the stream. It does not stop the session.
	Release func()
}

// Runner starts sessions and drives each one on its own goroutine.
type Runner struct {
	components *Components
	agentCfg   config.AgentConfig
	headless   bool
	logger     *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner over the given components. defaultHeadless
// applies to requests that leave headless unset.
func NewRunner(logger *zap.Logger, components *Components, agentCfg config.AgentConfig, defaultHeadless bool) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		components: components,
		agentCfg:   agentCfg,
		headless:   defaultHeadless,
		logger:     logger.Named("runner"),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Start registers a session, subscribes to its stream and launches its loop.
// The subscription exists before the loop emits anything, so the caller
// sees every event.
func (r *Runner) Start(req RunRequest) (*Run, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	headless := r.headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}

	sess, err := r.components.Registry.Create(goal, strings.TrimSpace(req.StartURL), session.CreateOptions{
		ID:       strings.TrimSpace(req.SessionID),
		Headless: headless,
	})
	if err != nil {
		return nil, err
	}

	sub, release := r.components.Events.Subscribe(sess.ID)

	r.wg.Add(1)
	go r.drive(sess)

	return &Run{Session: sess, Events: sub, Release: release}, nil
}

// drive owns the session from browser open to registry removal.
func (r *Runner) drive(sess *session.Session) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("session_id", sess.ID))
	defer func() {
		r.components.Registry.Remove(sess.ID)
		r.components.Events.Forget(sess.ID)
	}()

	browserSession, err := r.components.Browsers.NewSession(r.baseCtx, schemas.SessionOptions{Headless: sess.Headless})
	if err != nil {
		logger.Error("Failed to open browser session.", zap.Error(err))
		r.abort(sess, fmt.Sprintf("Could not start browser: %v", err))
		return
	}
	defer func() {
		if err := browserSession.Close(); err != nil {
			logger.Warn("Error closing browser session.", zap.Error(err))
		}
	}()

	loop, err := agent.NewLoop(r.logger, r.agentCfg, sess, agent.Dependencies{
		Perceiver: browserSession,
		Decider:   r.components.Decider,
		Executor:  browserSession,
		Events:    r.components.Events,
		Journal:   r.components.Journal,
		Metrics:   r.components.Metrics,
	})
	if err != nil {
		logger.Error("Failed to build agent loop.", zap.Error(err))
		r.abort(sess, fmt.Sprintf("Could not start agent: %v", err))
		return
	}

	status := loop.Run(r.baseCtx)
	logger.Info("Session finished.", zap.String("status", string(status)), zap.Int("steps", sess.StepCount()))
}

// abort ends a session that never reached its loop.
func (r *Runner) abort(sess *session.Session, message string) {
	status := session.StatusFailed
	if sess.CancelRequested() || r.baseCtx.Err() != nil {
		status = session.StatusStopped
		message = "Session cancelled by client"
	}
	if sess.Finish(status, message) {
		r.components.Events.Emit(sess.ID, events.NewTerminalEvent(sess.ID, status, message, sess.StepCount()))
	}
}

// Stop requests a cooperative stop of the session.
func (r *Runner) Stop(id string) error {
	return r.components.Registry.RequestStop(id)
}

// Get returns the session with the given id.
func (r *Runner) Get(id string) (*session.Session, error) {
	return r.components.Registry.Get(id)
}

// List returns every registered session.
func (r *Runner) List() []*session.Session {
	return r.components.Registry.List()
}

// Subscribe attaches an extra listener to a session that is still running.
// A session that already finished returns session.ErrSessionFinished; its
// outcome is in the session snapshot.
func (r *Runner) Subscribe(id string) (*session.Session, *events.Subscription, func(), error) {
	sess, err := r.components.Registry.Get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	sub, release := r.components.Events.Subscribe(id)
	// Checked after subscribing: a session finishing in between has already
	// queued its terminal event on sub or is reported here.
	if sess.Status().IsTerminal() {
		release()
		return sess, nil, nil, session.ErrSessionFinished
	}
	return sess, sub, release, nil
}

// Shutdown stops every running session and waits for their loops to
// unwind, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !timedWait(&r.wg, timeout) {
		return fmt.Errorf("timed out waiting for sessions to stop")
	}
	r.logger.Info("All sessions stopped.")
	return nil
}
