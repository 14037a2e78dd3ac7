// internal/browser/session.go
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/llmutil"
)

// ErrSessionClosed is returned by calls on a session whose tab is gone.
var ErrSessionClosed = errors.New("browser session closed")

const (
	settlePollInterval = 100 * time.Millisecond
	typedPreviewLen    = 50
)

// ExecDefaults fill in the optional parameters of actions.
type ExecDefaults struct {
	Wait              time.Duration
	MaxWait           time.Duration
	Scroll            int
	NavigationTimeout time.Duration
	ClickSettle       time.Duration
}

// Session is one browser tab owned by a single agent loop. It implements
// schemas.BrowserSession.
type Session struct {
	id       string
	logger   *zap.Logger
	page     page
	viewport schemas.Viewport
	defaults ExecDefaults

	// done reports the end of the tab's own lifetime.
	done    <-chan struct{}
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

var _ schemas.BrowserSession = (*Session)(nil)

func newSession(id string, logger *zap.Logger, p page, viewport schemas.Viewport, defaults ExecDefaults, done <-chan struct{}, onClose func() error) *Session {
	return &Session{
		id:       id,
		logger:   logger.With(zap.String("browser_session", id)),
		page:     p,
		viewport: viewport,
		defaults: defaults,
		done:     done,
		onClose:  onClose,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) closed() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Capture takes a PNG screenshot of the viewport and reads the current URL.
func (s *Session) Capture(ctx context.Context) (schemas.Frame, error) {
	if s.closed() {
		return schemas.Frame{}, ErrSessionClosed
	}
	img, err := s.page.Screenshot(ctx)
	if err != nil {
		return schemas.Frame{}, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	loc, err := s.page.Location(ctx)
	if err != nil {
		return schemas.Frame{}, fmt.Errorf("failed to read page location: %w", err)
	}

	frame := schemas.Frame{
		Image:      img,
		URL:        loc,
		Viewport:   s.viewport,
		CapturedAt: time.Now().UTC(),
	}
	// The real bitmap size wins over the configured one (device scale, scrollbars).
	if cfg, err := png.DecodeConfig(bytes.NewReader(img)); err == nil && cfg.Width > 0 && cfg.Height > 0 {
		frame.Viewport = schemas.Viewport{Width: cfg.Width, Height: cfg.Height}
	} else if err != nil {
		s.logger.Debug("Could not read screenshot dimensions; using configured viewport.", zap.Error(err))
	}
	return frame, nil
}

// Execute performs a validated, non-terminal action. Failures the page
// itself caused wrap schemas.ErrActionRejected; anything else is a fault of
// the browser connection.
func (s *Session) Execute(ctx context.Context, act schemas.Action) (schemas.ExecutionResult, error) {
	if s.closed() {
		return schemas.ExecutionResult{}, ErrSessionClosed
	}
	s.logger.Debug("Executing action.", zap.String("action", string(act.Type)))

	switch act.Type {
	case schemas.ActionNavigate:
		return s.navigate(ctx, act.URL)
	case schemas.ActionClick:
		return s.click(ctx, act.X, act.Y)
	case schemas.ActionTypeText:
		if err := s.page.InsertText(ctx, act.Text); err != nil {
			return schemas.ExecutionResult{}, s.classify(ctx, "type", err)
		}
		return s.result(ctx, "Typed: "+llmutil.Truncate(act.Text, typedPreviewLen)), nil
	case schemas.ActionScroll:
		return s.scroll(ctx, act.Direction, act.Amount)
	case schemas.ActionWait:
		return s.wait(ctx, act.DurationMS)
	default:
		return schemas.ExecutionResult{}, fmt.Errorf("%w: %s is not an executable action", schemas.ErrActionRejected, act.Type)
	}
}

func (s *Session) navigate(ctx context.Context, url string) (schemas.ExecutionResult, error) {
	navCtx := ctx
	if s.defaults.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.defaults.NavigationTimeout)
		defer cancel()
	}
	if err := s.page.Navigate(navCtx, url); err != nil {
		if ctx.Err() == nil && errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return schemas.ExecutionResult{}, fmt.Errorf("%w: navigation to %s timed out after %s",
				schemas.ErrActionRejected, url, s.defaults.NavigationTimeout)
		}
		return schemas.ExecutionResult{}, s.classify(ctx, "navigate", err)
	}
	return s.result(ctx, "Navigated to "+url), nil
}

func (s *Session) click(ctx context.Context, x, y int) (schemas.ExecutionResult, error) {
	if err := s.page.Click(ctx, float64(x), float64(y)); err != nil {
		return schemas.ExecutionResult{}, s.classify(ctx, "click", err)
	}
	s.settle(ctx)
	return s.result(ctx, fmt.Sprintf("Clicked at (%d, %d)", x, y)), nil
}

// settle waits, within the click settle budget, for a navigation the click
// may have started to finish loading.
func (s *Session) settle(ctx context.Context) {
	if s.defaults.ClickSettle <= 0 {
		return
	}
	settleCtx, cancel := context.WithTimeout(ctx, s.defaults.ClickSettle)
	defer cancel()

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		state, err := s.page.ReadyState(settleCtx)
		if err == nil && state == "complete" {
			return
		}
		select {
		case <-settleCtx.Done():
			s.logger.Debug("Page did not settle after click.", zap.Duration("budget", s.defaults.ClickSettle))
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) scroll(ctx context.Context, dir schemas.ScrollDirection, amount int) (schemas.ExecutionResult, error) {
	if amount <= 0 {
		amount = s.defaults.Scroll
	}
	delta := float64(amount)
	if dir == schemas.ScrollUp {
		delta = -delta
	}
	cx, cy := float64(s.viewport.Width)/2, float64(s.viewport.Height)/2
	if err := s.page.Wheel(ctx, cx, cy, delta); err != nil {
		return schemas.ExecutionResult{}, s.classify(ctx, "scroll", err)
	}
	return s.result(ctx, fmt.Sprintf("Scrolled %s %dpx", dir, amount)), nil
}

func (s *Session) wait(ctx context.Context, durationMS int) (schemas.ExecutionResult, error) {
	d := time.Duration(durationMS) * time.Millisecond
	if d <= 0 {
		d = s.defaults.Wait
	}
	if s.defaults.MaxWait > 0 && d > s.defaults.MaxWait {
		d = s.defaults.MaxWait
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return schemas.ExecutionResult{}, fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
	return s.result(ctx, fmt.Sprintf("Waited %dms", d.Milliseconds())), nil
}

// result builds the execution result, reading the URL the action left the
// page on. A failed read only loses the URL.
func (s *Session) result(ctx context.Context, message string) schemas.ExecutionResult {
	loc, err := s.page.Location(ctx)
	if err != nil {
		s.logger.Debug("Could not read location after action.", zap.Error(err))
	}
	return schemas.ExecutionResult{Message: message, URL: loc}
}

// classify decides whether err is the page refusing the action or the
// connection failing underneath it.
func (s *Session) classify(ctx context.Context, op string, err error) error {
	switch {
	case s.closed():
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	case ctx.Err() != nil:
		return fmt.Errorf("%s interrupted: %w", op, ctx.Err())
	default:
		return fmt.Errorf("%w: %s failed: %v", schemas.ErrActionRejected, op, err)
	}
}

// Close releases the tab and its browser process. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.closeErr = s.onClose()
		}
		s.logger.Debug("Browser session closed.")
	})
	return s.closeErr
}
