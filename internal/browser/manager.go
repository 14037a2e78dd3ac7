// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// closeGracePeriod bounds how long a tab gets to exit cleanly before its
// browser process is killed.
const closeGracePeriod = 10 * time.Second

// Manager launches one isolated browser process per session.
type Manager struct {
	cfg      config.BrowserConfig
	defaults ExecDefaults
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

var _ schemas.BrowserManager = (*Manager)(nil)

// NewManager creates a manager. No browser is started until NewSession.
func NewManager(logger *zap.Logger, cfg config.BrowserConfig, agentCfg config.AgentConfig) *Manager {
	m := &Manager{
		cfg: cfg,
		defaults: ExecDefaults{
			Wait:              agentCfg.DefaultWait,
			MaxWait:           agentCfg.MaxWait,
			Scroll:            agentCfg.DefaultScroll,
			NavigationTimeout: cfg.NavigationTimeout,
			ClickSettle:       cfg.ClickSettle,
		},
		logger:   logger.Named("browser"),
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.Viewport.Width),
		zap.Int("viewport_height", cfg.Viewport.Height))
	return m
}

// NewSession starts a browser, opens a tab sized to the configured
// viewport and returns it. ctx bounds only the startup.
func (m *Manager) NewSession(ctx context.Context, opts schemas.SessionOptions) (schemas.BrowserSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	id := uuid.NewString()
	logger := m.logger.With(zap.String("browser_session", id))

	// The browser lives until Close, not until ctx ends.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions(opts.Headless)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, m.contextOptions(logger)...)

	// The first Run launches the process; it must run on tabCtx itself or a
	// cancelled derivative would kill the browser.
	vp := m.cfg.Viewport
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
	}()

	var err error
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		m.wg.Done()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	runActions := func(opCtx context.Context, actions ...chromedp.Action) error {
		runCtx, cancel := CombineContext(tabCtx, opCtx)
		defer cancel()
		return chromedp.Run(runCtx, actions...)
	}

	onClose := func() error {
		defer m.wg.Done()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()

		// chromedp.Cancel blocks until the target is closed; bound it.
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(tabCtx) }()
		var closeErr error
		select {
		case closeErr = <-done:
		case <-time.After(closeGracePeriod):
			closeErr = fmt.Errorf("timed out closing browser tab after %s", closeGracePeriod)
		}
		tabCancel()
		allocCancel()
		if closeErr != nil && !errors.Is(closeErr, context.Canceled) {
			return closeErr
		}
		return nil
	}

	s := newSession(id, logger, &cdpPage{runActions: runActions},
		schemas.Viewport{Width: vp.Width, Height: vp.Height}, m.defaults, tabCtx.Done(), onClose)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logger.Info("Browser session started.", zap.Bool("headless", opts.Headless))
	return s, nil
}

// allocatorOptions builds the exec allocator flags for one browser process.
func (m *Manager) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Flag("enable-automation", true),
		chromedp.WindowSize(m.cfg.Viewport.Width, m.cfg.Viewport.Height),
	}
	if headless {
		opts = append(opts, chromedp.Headless)
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	for _, arg := range m.cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func (m *Manager) contextOptions(logger *zap.Logger) []chromedp.ContextOption {
	sugar := logger.Sugar()
	opts := []chromedp.ContextOption{
		chromedp.WithLogf(sugar.Infof),
		chromedp.WithErrorf(sugar.Errorf),
	}
	if m.cfg.Debug {
		opts = append(opts, chromedp.WithDebugf(sugar.Debugf))
	}
	return opts
}

// Shutdown closes every open session and waits for them, up to ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	var errs []error
	for _, s := range open {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for browser sessions: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
