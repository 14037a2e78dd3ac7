package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/mocks"
	"github.com/xkilldash9x/scalpel-nav/internal/service"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

// fakeFactory hands out components backed by mocks.
type fakeFactory struct {
	browsers *mocks.MockBrowserManager
	page     *mocks.MockBrowserSession
	decider  *mocks.MockDecider
	err      error
	gotReg   prometheus.Registerer
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{
		browsers: new(mocks.MockBrowserManager),
		page:     new(mocks.MockBrowserSession),
		decider:  new(mocks.MockDecider),
	}
	f.browsers.On("NewSession", mock.Anything, mock.Anything).Return(f.page, nil)
	f.browsers.On("Shutdown", mock.Anything).Return(nil)
	f.page.On("Execute", mock.Anything, mock.Anything).
		Return(schemas.ExecutionResult{Message: "Navigated to https://start.example", URL: "https://start.example/"}, nil)
	f.page.On("Capture", mock.Anything).Return(schemas.Frame{
		Image:    []byte("\x89PNG"),
		URL:      "https://start.example/",
		Viewport: schemas.Viewport{Width: 1280, Height: 800},
	}, nil)
	f.page.On("Close").Return(nil)
	return f
}

func (f *fakeFactory) Create(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*service.Components, error) {
	f.gotReg = reg
	if f.err != nil {
		return nil, f.err
	}
	return &service.Components{
		Registry: session.NewRegistry(logger, cfg.Session.MaxConcurrent, cfg.Session.Retention),
		Events:   events.NewEmitter(logger, cfg.Events.BufferSize, nil),
		Browsers: f.browsers,
		Decider:  f.decider,
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.LLM.APIKey = "test-key"
	cfg.Agent.BackoffInitial = time.Millisecond
	cfg.Agent.BackoffMax = time.Millisecond
	cfg.Agent.FailureDelay = time.Millisecond
	cfg.Agent.DefaultWait = time.Millisecond
	cfg.Agent.DefaultStartURL = "https://start.example"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestRunSession_Done(t *testing.T) {
	f := newFakeFactory()
	f.decider.On("Decide", mock.Anything, mock.Anything).Return(`{"action":"done","message":"pricing is visible"}`, nil)

	var out bytes.Buffer
	err := runSession(context.Background(), testConfig(t), f, runOptions{goal: "find pricing", sessionID: "cli-1"}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "session cli-1 started", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "step 1 [ok] done: "), lines[1])
	assert.Equal(t, "done: Goal accomplished: pricing is visible (1 steps)", lines[2])

	f.browsers.AssertCalled(t, "NewSession", mock.Anything, schemas.SessionOptions{Headless: true})
	f.browsers.AssertCalled(t, "Shutdown", mock.Anything)
	assert.Nil(t, f.gotReg, "the one-shot command does not expose metrics")
}

func TestRunSession_HeadedAndFailure(t *testing.T) {
	f := newFakeFactory()
	f.decider.On("Decide", mock.Anything, mock.Anything).Return(`{"action":"fail","message":"captcha"}`, nil)

	var out bytes.Buffer
	err := runSession(context.Background(), testConfig(t), f, runOptions{goal: "g", headed: true}, &out, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionUnsuccessful)
	assert.Contains(t, err.Error(), "Cannot complete: captcha")
	f.browsers.AssertCalled(t, "NewSession", mock.Anything, schemas.SessionOptions{Headless: false})
}

func TestRunSession_FactoryError(t *testing.T) {
	f := newFakeFactory()
	f.err = errors.New("boom")
	err := runSession(context.Background(), testConfig(t), f, runOptions{goal: "g"}, io.Discard, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize components: boom")
}

func TestRunSession_InvalidGoal(t *testing.T) {
	f := newFakeFactory()
	err := runSession(context.Background(), testConfig(t), f, runOptions{goal: "  "}, io.Discard, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestPrintEvent(t *testing.T) {
	failed := false
	var out bytes.Buffer
	printEvent(&out, events.Event{Type: events.TypeStep, Step: 2, Action: "click", Message: "no element", Success: &failed})
	printEvent(&out, events.Event{Type: events.TypeStopped, Message: "Session cancelled by client", Steps: 2})
	assert.Equal(t, "step 2 [failed] click: no element\nstopped: Session cancelled by client (2 steps)\n", out.String())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunServe_ServesUntilCancelled(t *testing.T) {
	f := newFakeFactory()
	cfg := testConfig(t)
	cfg.Server.Addr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, cfg, f, zaptest.NewLogger(t)) }()

	url := fmt.Sprintf("http://%s/health", cfg.Server.Addr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", cfg.Server.Addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.NotNil(t, f.gotReg)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	f.browsers.AssertCalled(t, "Shutdown", mock.Anything)
}

func TestRunServe_FactoryError(t *testing.T) {
	f := newFakeFactory()
	f.err = errors.New("no chrome")
	err := runServe(context.Background(), testConfig(t), f, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
}
