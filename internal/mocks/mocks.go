// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
)

// -- Decision Port Mock --

// MockDecider mocks the schemas.Decider interface.
type MockDecider struct {
	mock.Mock
}

// Decide provides a mock function for model calls.
func (m *MockDecider) Decide(ctx context.Context, req schemas.DecisionRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// -- Browser Mocks --

// MockBrowserSession mocks schemas.BrowserSession.
type MockBrowserSession struct {
	mock.Mock
}

func (m *MockBrowserSession) Capture(ctx context.Context) (schemas.Frame, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Frame), args.Error(1)
}

func (m *MockBrowserSession) Execute(ctx context.Context, action schemas.Action) (schemas.ExecutionResult, error) {
	args := m.Called(ctx, action)
	return args.Get(0).(schemas.ExecutionResult), args.Error(1)
}

func (m *MockBrowserSession) Close() error { return m.Called().Error(0) }

// MockBrowserManager mocks schemas.BrowserManager.
type MockBrowserManager struct {
	mock.Mock
}

func (m *MockBrowserManager) NewSession(ctx context.Context, opts schemas.SessionOptions) (schemas.BrowserSession, error) {
	args := m.Called(ctx, opts)
	if s := args.Get(0); s != nil {
		return s.(schemas.BrowserSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrowserManager) Shutdown(ctx context.Context) error { return m.Called(ctx).Error(0) }

// -- Store Mock --

// MockRunJournal mocks schemas.RunJournal.
type MockRunJournal struct {
	mock.Mock
}

func (m *MockRunJournal) SessionStarted(ctx context.Context, rec schemas.SessionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockRunJournal) StepRecorded(ctx context.Context, rec schemas.StepRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockRunJournal) SessionFinished(ctx context.Context, sessionID string, status string, message string, steps int) error {
	return m.Called(ctx, sessionID, status, message, steps).Error(0)
}

var (
	_ schemas.Decider        = (*MockDecider)(nil)
	_ schemas.BrowserSession = (*MockBrowserSession)(nil)
	_ schemas.BrowserManager = (*MockBrowserManager)(nil)
	_ schemas.RunJournal     = (*MockRunJournal)(nil)
)
