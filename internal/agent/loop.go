// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/action"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

// journalTimeout bounds each run journal write.
const journalTimeout = 5 * time.Second

// Loop drives one session from its start URL to a terminal status. A Loop
// is used once, from a single goroutine; steps are strictly sequential.
type Loop struct {
	cfg     config.AgentConfig
	session *session.Session
	deps    Dependencies
	logger  *zap.Logger
	state   State

	// Overridable in tests.
	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff
}

// NewLoop creates a loop for sess. The perceiver, decider, executor and
// event sink are required.
func NewLoop(logger *zap.Logger, cfg config.AgentConfig, sess *session.Session, deps Dependencies) (*Loop, error) {
	if sess == nil || deps.Perceiver == nil || deps.Decider == nil || deps.Executor == nil || deps.Events == nil {
		return nil, ErrMissingDependency
	}
	l := &Loop{
		cfg:     cfg,
		session: sess,
		deps:    deps,
		logger:  logger.Named("agent.loop").With(zap.String("session_id", sess.ID)),
		sleep:   sleepContext,
	}
	l.newBackOff = l.defaultBackOff
	return l, nil
}

// State returns the phase the loop is currently in.
func (l *Loop) State() State { return l.state }

// Run executes the loop until a terminal status is reached and returns it.
// Cancelling ctx or requesting a stop on the session ends the run at the
// next observation boundary.
func (l *Loop) Run(ctx context.Context) session.Status {
	l.logger.Info("Agent loop starting.", zap.String("goal", l.session.Goal), zap.String("start_url", l.session.StartURL))
	l.deps.Metrics.SessionStarted()
	l.journalStarted(ctx)

	status, message := l.run(ctx)
	l.finish(ctx, status, message)
	return status
}

// cycle is the per-step scratch state carried between phases.
type cycle struct {
	frame         schemas.Frame
	startedAt     time.Time
	parseFailures int
	rejections    int
}

func (l *Loop) run(ctx context.Context) (session.Status, string) {
	l.transition(StateStarting)
	if status, msg, ok := l.openStartURL(ctx); !ok {
		return status, msg
	}

	var c cycle
	needFrame := true
	for {
		if needFrame {
			if l.cancelled(ctx) {
				return session.StatusStopped, msgCancelled
			}
			l.transition(StateObserving)
			c.startedAt = time.Now()

			frame, err := l.capture(ctx)
			if err != nil {
				return l.portFailure(ctx, msgPerception, err)
			}
			c.frame = frame
		}

		l.transition(StateDeciding)
		raw, err := l.decide(ctx, c.frame)
		if err != nil {
			return l.portFailure(ctx, msgDecision, err)
		}

		l.transition(StateExecuting)
		act, err := action.Parse(raw, c.frame.Viewport)
		if err != nil {
			var perr *action.ParseError
			if !errors.As(err, &perr) {
				perr = &action.ParseError{Raw: raw, Reason: action.ReasonMalformedJSON, Detail: err.Error()}
			}
			c.parseFailures++
			l.deps.Metrics.ParseFailure(string(perr.Reason))
			l.logger.Warn("Model response rejected by parser.",
				zap.String("reason", string(perr.Reason)),
				zap.String("detail", perr.Detail),
				zap.Int("consecutive", c.parseFailures))

			l.record(ctx, c, session.Step{
				Message:    fmt.Sprintf(msgParseFailure, perr.Reason, perr.Detail),
				ParseError: string(perr.Reason),
			})
			if c.parseFailures >= l.cfg.ParseRetries {
				return session.StatusFailed, fmt.Sprintf(msgParseExhausted, c.parseFailures, perr.Error())
			}
			if status, msg, hit := l.ceilingReached(); hit {
				return status, msg
			}
			if l.cancelled(ctx) {
				return session.StatusStopped, msgCancelled
			}
			// Re-decide on the same frame.
			needFrame = false
			continue
		}
		c.parseFailures = 0
		needFrame = true

		switch act.Type {
		case schemas.ActionDone:
			msg := fmt.Sprintf(msgGoalDone, act.Message)
			l.record(ctx, c, session.Step{Action: &act, Message: msg, Reason: act.Reason, Success: true})
			return session.StatusDone, msg
		case schemas.ActionFail:
			msg := fmt.Sprintf(msgGoalFailed, act.Message)
			l.record(ctx, c, session.Step{Action: &act, Message: msg, Reason: act.Reason})
			return session.StatusFailed, msg
		}

		result, err := l.execute(ctx, act)
		switch {
		case err == nil:
			c.rejections = 0
			url := result.URL
			if url == "" {
				url = c.frame.URL
			}
			l.record(ctx, c, session.Step{Action: &act, Message: result.Message, Reason: act.Reason, Success: true, URL: url})

		case errors.Is(err, schemas.ErrActionRejected):
			c.rejections++
			l.logger.Warn("Browser rejected action.",
				zap.String("action", string(act.Type)), zap.Error(err), zap.Int("consecutive", c.rejections))
			l.record(ctx, c, session.Step{Action: &act, Message: fmt.Sprintf(msgRejected, err), Reason: act.Reason})
			if c.rejections > l.cfg.ExecutionRetries {
				return session.StatusFailed, fmt.Sprintf(msgRejectExhaust, c.rejections, err)
			}
			if status, msg, hit := l.ceilingReached(); hit {
				return status, msg
			}
			// Cancellation during the pause is picked up at the next observation.
			_ = l.sleep(ctx, l.cfg.FailureDelay)
			continue

		default:
			if l.cancelled(ctx) {
				return session.StatusStopped, msgCancelled
			}
			l.record(ctx, c, session.Step{Action: &act, Message: fmt.Sprintf(msgRejected, err), Reason: act.Reason})
			return session.StatusFailed, fmt.Sprintf(msgExecution, l.cfg.FaultRetries, err)
		}

		if status, msg, hit := l.ceilingReached(); hit {
			return status, msg
		}
	}
}

// openStartURL performs the Starting phase. ok is false when the loop must end.
func (l *Loop) openStartURL(ctx context.Context) (session.Status, string, bool) {
	target := l.session.StartURL
	if target == "" {
		target = l.cfg.DefaultStartURL
	}
	nav, err := action.NavigateTo(target)
	if err != nil {
		return session.StatusFailed, fmt.Sprintf(msgStartFailed, target, err), false
	}
	if _, err := l.execute(ctx, nav); err != nil {
		if l.cancelled(ctx) {
			return session.StatusStopped, msgCancelled, false
		}
		return session.StatusFailed, fmt.Sprintf(msgStartFailed, target, err), false
	}
	return "", "", true
}

// portFailure turns an exhausted perception or decision call into the
// terminal outcome, preferring Stopped when the caller went away.
func (l *Loop) portFailure(ctx context.Context, format string, err error) (session.Status, string) {
	if l.cancelled(ctx) {
		return session.StatusStopped, msgCancelled
	}
	return session.StatusFailed, fmt.Sprintf(format, l.cfg.FaultRetries, err)
}

func (l *Loop) ceilingReached() (session.Status, string, bool) {
	if l.session.StepCount() >= l.cfg.MaxSteps {
		return session.StatusFailed, fmt.Sprintf(msgStepCeiling, l.cfg.MaxSteps), true
	}
	return "", "", false
}

func (l *Loop) cancelled(ctx context.Context) bool {
	return l.session.CancelRequested() || ctx.Err() != nil
}

func (l *Loop) transition(next State) {
	if l.state == next {
		return
	}
	l.logger.Debug("State transition.", zap.String("from", string(l.state)), zap.String("state", string(next)))
	l.state = next
}

// -- Port calls --

func (l *Loop) capture(ctx context.Context) (schemas.Frame, error) {
	var frame schemas.Frame
	err := l.withRetry(ctx, metrics.PortPerception, func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.PerceptionTimeout)
		defer cancel()
		var err error
		frame, err = l.deps.Perceiver.Capture(callCtx)
		return err
	})
	return frame, err
}

func (l *Loop) decide(ctx context.Context, frame schemas.Frame) (string, error) {
	req := schemas.DecisionRequest{
		Goal:    l.session.Goal,
		History: l.history(),
		Frame:   frame,
	}
	var raw string
	err := l.withRetry(ctx, metrics.PortDecision, func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.DecisionTimeout)
		defer cancel()
		var err error
		raw, err = l.deps.Decider.Decide(callCtx, req)
		return err
	})
	return raw, err
}

// execute runs act on a context that keeps ctx's values but not its
// cancellation, so an action already sent to the browser is never torn
// down halfway.
func (l *Loop) execute(ctx context.Context, act schemas.Action) (schemas.ExecutionResult, error) {
	detached := context.WithoutCancel(ctx)
	var result schemas.ExecutionResult
	err := l.withRetry(ctx, metrics.PortExecution, func() error {
		callCtx, cancel := context.WithTimeout(detached, l.cfg.ExecutionTimeout)
		defer cancel()
		var err error
		result, err = l.deps.Executor.Execute(callCtx, act)
		if errors.Is(err, schemas.ErrActionRejected) {
			return backoff.Permanent(err)
		}
		return err
	})
	return result, err
}

// withRetry calls op up to fault_retries times with exponential backoff
// between attempts. Waiting stops as soon as ctx is done.
func (l *Loop) withRetry(ctx context.Context, port string, op func() error) error {
	attempts := l.cfg.FaultRetries
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), uint64(attempts-1)), ctx)

	attempt := 0
	timed := func() error {
		attempt++
		start := time.Now()
		err := op()
		l.deps.Metrics.PortCall(port, time.Since(start), err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("Port call failed; retrying.",
			zap.String("port", port),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(timed, policy, notify)
}

func (l *Loop) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BackoffInitial
	b.MaxInterval = l.cfg.BackoffMax
	// The attempt count is the only bound.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// -- Recording --

// history condenses the most recent steps for the model.
func (l *Loop) history() []schemas.HistoryEntry {
	steps := l.session.Steps()
	if l.cfg.HistorySize <= 0 {
		return nil
	}
	if len(steps) > l.cfg.HistorySize {
		steps = steps[len(steps)-l.cfg.HistorySize:]
	}
	entries := make([]schemas.HistoryEntry, 0, len(steps))
	for _, step := range steps {
		desc := "none"
		if step.Action != nil {
			desc = action.Describe(*step.Action)
		}
		entries = append(entries, schemas.HistoryEntry{
			Step:    step.Index,
			Action:  desc,
			Message: step.Message,
			Success: step.Success,
		})
	}
	return entries
}

// record appends the step to the session and publishes it.
func (l *Loop) record(ctx context.Context, c cycle, step session.Step) {
	step.Screenshot = c.frame.Image
	if step.URL == "" {
		step.URL = c.frame.URL
	}
	if !c.startedAt.IsZero() {
		step.ElapsedMS = time.Since(c.startedAt).Milliseconds()
	}

	stored, err := l.session.AppendStep(step)
	if err != nil {
		l.logger.Error("Could not record step.", zap.Error(err))
		return
	}
	l.logger.Info("Step recorded.",
		zap.Int("step", stored.Index),
		zap.String("action", stored.ActionName()),
		zap.Bool("success", stored.Success),
		zap.String("message", stored.Message))

	l.deps.Metrics.StepRecorded(stored.ActionName(), stored.Success)
	l.deps.Events.Emit(l.session.ID, events.NewStepEvent(l.session.ID, stored))

	if l.deps.Journal == nil {
		return
	}
	rec := schemas.StepRecord{
		SessionID:  l.session.ID,
		Index:      stored.Index,
		Action:     stored.ActionName(),
		Message:    stored.Message,
		Reason:     stored.Reason,
		Success:    stored.Success,
		URL:        stored.URL,
		ParseError: stored.ParseError,
		ElapsedMS:  stored.ElapsedMS,
		CreatedAt:  stored.RecordedAt,
	}
	if stored.Action != nil {
		rec.Action = action.Describe(*stored.Action)
	}
	jctx, cancel := journalContext(ctx)
	defer cancel()
	if err := l.deps.Journal.StepRecorded(jctx, rec); err != nil {
		l.logger.Warn("Run journal rejected step.", zap.Int("step", stored.Index), zap.Error(err))
	}
}

// finish fixes the terminal status and emits the one terminal event.
func (l *Loop) finish(ctx context.Context, status session.Status, message string) {
	if !l.session.Finish(status, message) {
		l.logger.Warn("Session already finished; terminal status unchanged.", zap.String("status", string(status)))
		return
	}
	l.transition(stateFor(status))

	steps := l.session.StepCount()
	l.logger.Info("Agent loop finished.",
		zap.String("status", string(status)),
		zap.Int("steps", steps),
		zap.String("message", message))

	l.deps.Metrics.SessionFinished(string(status), time.Since(l.session.CreatedAt))
	l.deps.Events.Emit(l.session.ID, events.NewTerminalEvent(l.session.ID, status, message, steps))

	if l.deps.Journal == nil {
		return
	}
	jctx, cancel := journalContext(ctx)
	defer cancel()
	if err := l.deps.Journal.SessionFinished(jctx, l.session.ID, string(status), message, steps); err != nil {
		l.logger.Warn("Run journal rejected session result.", zap.Error(err))
	}
}

func (l *Loop) journalStarted(ctx context.Context) {
	if l.deps.Journal == nil {
		return
	}
	jctx, cancel := journalContext(ctx)
	defer cancel()
	rec := schemas.SessionRecord{
		ID:        l.session.ID,
		Goal:      l.session.Goal,
		StartURL:  l.session.StartURL,
		Headless:  l.session.Headless,
		CreatedAt: l.session.CreatedAt,
	}
	if err := l.deps.Journal.SessionStarted(jctx, rec); err != nil {
		l.logger.Warn("Run journal rejected session.", zap.Error(err))
	}
}

// journalContext outlives a cancelled run so the final writes still land.
func journalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
