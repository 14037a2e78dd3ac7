// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/observability"
	"github.com/xkilldash9x/scalpel-nav/internal/server"
	"github.com/xkilldash9x/scalpel-nav/internal/service"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Starts the HTTP API. POST /run streams a session's steps as Server-Sent
Events, POST /stop/{session_id} requests a cooperative stop and GET /health
reports liveness.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, service.NewComponentFactory(), observability.GetLogger())
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	return serveCmd
}

// runServe runs the server until ctx is cancelled. Shutdown stops every
// session first so open event streams end with their terminal event.
func runServe(ctx context.Context, cfg *config.Config, factory service.ComponentFactory, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	components, err := factory.Create(ctx, cfg, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx, logger)
	}()

	runner := service.NewRunner(logger, components, cfg.Agent, cfg.Browser.Headless)

	opts := server.Options{Version: Version}
	if cfg.Metrics.Enabled {
		opts.Gatherer = reg
	}
	if history, ok := components.Journal.(server.RunHistory); ok {
		opts.History = history
	}
	srv := server.New(logger, cfg.Server, runner, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		components.Registry.Run(gctx, cfg.Session.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Sessions did not stop in time.", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("scalpel-nav stopped.")
	return nil
}
