// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

// Components holds every long-lived dependency a Runner needs.
// It centralizes their lifecycle so the HTTP server and the one-shot CLI
// tear things down in the same order.
type Components struct {
	Registry *session.Registry
	Events   *events.Emitter
	Browsers schemas.BrowserManager
	Decider  schemas.Decider
	Journal  schemas.RunJournal // Nil when no database is configured.
	Metrics  *metrics.Collector // Nil when metrics are disabled.

	// closeJournal releases the journal's connection pool.
	closeJournal func()
}

// Shutdown releases components in dependency order: event streams first so
// listeners unblock, then browser contexts, then the journal.
func (c *Components) Shutdown(ctx context.Context, logger *zap.Logger) {
	logger.Debug("Beginning components shutdown sequence.")

	if c.Events != nil {
		c.Events.Shutdown()
		logger.Debug("Event streams closed.")
	}

	if c.Browsers != nil {
		if err := c.Browsers.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.closeJournal != nil {
		c.closeJournal()
		logger.Debug("Run journal closed.")
	}

	logger.Info("All components shut down.")
}

// timedWait waits for the WaitGroup, giving up after timeout. It reports
// whether the wait completed.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
