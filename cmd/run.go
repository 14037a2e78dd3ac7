// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/observability"
	"github.com/xkilldash9x/scalpel-nav/internal/service"
)

// ErrSessionUnsuccessful is returned by run when the session ends in fail or stopped.
var ErrSessionUnsuccessful = errors.New("session did not complete its goal")

type runOptions struct {
	goal      string
	startURL  string
	headed    bool
	sessionID string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single session in-process and print its steps",
		Example: `  scalpel-nav run --goal "find the pricing page" --start-url https://example.com
  scalpel-nav run --goal "search for golang" --headed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg, service.NewComponentFactory(), opts, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	runCmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal to accomplish (required)")
	runCmd.Flags().StringVarP(&opts.startURL, "start-url", "u", "", "URL to open first (default agent.default_start_url)")
	runCmd.Flags().BoolVar(&opts.headed, "headed", false, "show the browser window")
	runCmd.Flags().StringVar(&opts.sessionID, "session-id", "", "explicit session id")
	_ = runCmd.MarkFlagRequired("goal")
	return runCmd
}

// runSession drives one session to its end, writing one line per event.
// Cancelling ctx stops the session cooperatively.
func runSession(ctx context.Context, cfg *config.Config, factory service.ComponentFactory, opts runOptions, out io.Writer, logger *zap.Logger) error {
	components, err := factory.Create(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx, logger)
	}()

	runner := service.NewRunner(logger, components, cfg.Agent, cfg.Browser.Headless)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = runner.Shutdown(shutdownCtx)
	}()

	req := service.RunRequest{
		Goal:      opts.goal,
		StartURL:  opts.startURL,
		SessionID: opts.sessionID,
	}
	// Without --headed, browser.headless decides.
	if opts.headed {
		headless := false
		req.Headless = &headless
	}
	run, err := runner.Start(req)
	if err != nil {
		return err
	}
	defer run.Release()
	fmt.Fprintf(out, "session %s started\n", run.Session.ID)

	stopOnCancel := context.AfterFunc(ctx, func() {
		_ = runner.Stop(run.Session.ID)
	})
	defer stopOnCancel()

	var last events.Event
	for {
		// The stream always ends with a terminal event, cancelled or not.
		ev, err := run.Events.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		printEvent(out, ev)
		last = ev
	}

	if last.Type != events.TypeDone {
		return fmt.Errorf("%w: %s", ErrSessionUnsuccessful, last.Message)
	}
	return nil
}

func printEvent(out io.Writer, ev events.Event) {
	if ev.Type != events.TypeStep {
		fmt.Fprintf(out, "%s: %s (%d steps)\n", ev.Type, ev.Message, ev.Steps)
		return
	}
	status := "ok"
	if ev.Success != nil && !*ev.Success {
		status = "failed"
	}
	fmt.Fprintf(out, "step %d [%s] %s: %s\n", ev.Step, status, ev.Action, ev.Message)
}
