package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/store"
)

func factoryConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LLM.APIKey = "test-key"
	return cfg
}

func shutdownComponents(t *testing.T, c *Components) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Shutdown(ctx, zap.NewNop())
}

func TestFactory_Create_RejectsBadConfig(t *testing.T) {
	f := NewComponentFactory()

	_, err := f.Create(context.Background(), nil, nil, zap.NewNop())
	assert.EqualError(t, err, "configuration is nil")

	cfg := factoryConfig()
	cfg.LLM.APIKey = ""
	_, err = f.Create(context.Background(), cfg, nil, zap.NewNop())
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestFactory_Create_WithoutJournal(t *testing.T) {
	f := &concreteFactory{connectJournal: func(context.Context, string, *zap.Logger) (*store.Store, error) {
		t.Fatal("journal must not be dialed without database.url")
		return nil, nil
	}}

	c, err := f.Create(context.Background(), factoryConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	defer shutdownComponents(t, c)

	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.Events)
	assert.NotNil(t, c.Browsers)
	assert.NotNil(t, c.Decider)
	assert.Nil(t, c.Journal)
	assert.Nil(t, c.Metrics, "a nil registerer disables metrics")
}

func TestFactory_Create_Metrics(t *testing.T) {
	cfg := factoryConfig()
	reg := prometheus.NewRegistry()

	c, err := NewComponentFactory().Create(context.Background(), cfg, reg, zap.NewNop())
	require.NoError(t, err)
	defer shutdownComponents(t, c)
	assert.NotNil(t, c.Metrics)

	cfg.Metrics.Enabled = false
	off, err := NewComponentFactory().Create(context.Background(), cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	defer shutdownComponents(t, off)
	assert.Nil(t, off.Metrics)
}

func TestFactory_Create_JournalUnavailable(t *testing.T) {
	cfg := factoryConfig()
	cfg.Database.URL = "postgres://nowhere/db"
	core, logs := observer.New(zapcore.WarnLevel)

	var dialed string
	f := &concreteFactory{connectJournal: func(_ context.Context, url string, _ *zap.Logger) (*store.Store, error) {
		dialed = url
		return nil, errors.New("connection refused")
	}}

	c, err := f.Create(context.Background(), cfg, nil, zap.New(core))
	require.NoError(t, err, "a missing journal is not fatal")
	defer shutdownComponents(t, c)

	assert.Equal(t, "postgres://nowhere/db", dialed)
	assert.Nil(t, c.Journal)
	assert.Equal(t, 1, logs.FilterMessage("Run journal unavailable, continuing without persistence.").Len())
}

func TestFactory_Create_JournalConnected(t *testing.T) {
	cfg := factoryConfig()
	cfg.Database.URL = "postgres://db/runs"

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	mockPool.ExpectPing()
	mockPool.ExpectClose()

	f := &concreteFactory{connectJournal: func(ctx context.Context, _ string, logger *zap.Logger) (*store.Store, error) {
		return store.New(ctx, mockPool, logger)
	}}

	c, err := f.Create(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c.Journal)
	_, isStore := c.Journal.(*store.Store)
	assert.True(t, isStore)

	shutdownComponents(t, c)
	assert.NoError(t, mockPool.ExpectationsWereMet(), "shutdown closes the journal pool")
}
