// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/internal/browser"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/llmclient"
	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
	"github.com/xkilldash9x/scalpel-nav/internal/store"
)

// ComponentFactory builds the component set from configuration.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct {
	connectJournal func(ctx context.Context, url string, logger *zap.Logger) (*store.Store, error)
}

// NewComponentFactory returns the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{connectJournal: store.Connect}
}

// Create wires the registry, emitter, browser manager, decider, metrics and
// (when database.url is set) the run journal. reg may be nil, which turns
// metrics off regardless of configuration.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled && reg != nil {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
	}

	decider, err := llmclient.NewDecider(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vision model client: %w", err)
	}

	c := &Components{
		Registry: session.NewRegistry(logger, cfg.Session.MaxConcurrent, cfg.Session.Retention),
		Events:   events.NewEmitter(logger, cfg.Events.BufferSize, collector),
		Browsers: browser.NewManager(logger, cfg.Browser, cfg.Agent),
		Decider:  decider,
		Metrics:  collector,
	}

	if cfg.Database.URL != "" {
		journal, err := f.connectJournal(ctx, cfg.Database.URL, logger)
		if err != nil {
			// The journal is an audit trail; sessions run without it.
			logger.Warn("Run journal unavailable, continuing without persistence.", zap.Error(err))
		} else {
			c.Journal = journal
			c.closeJournal = journal.Close
			logger.Info("Run journal connected.")
		}
	}

	return c, nil
}
