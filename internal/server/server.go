package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/service"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
	"github.com/xkilldash9x/scalpel-nav/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed static
var staticFiles embed.FS

// ServiceName is reported by the health endpoint.
const ServiceName = "scalpel-nav"

// Sessions is the part of the runner the HTTP surface drives.
type Sessions interface {
	Start(req service.RunRequest) (*service.Run, error)
	Stop(id string) error
	Get(id string) (*session.Session, error)
	List() []*session.Session
	Subscribe(id string) (*session.Session, *events.Subscription, func(), error)
}

// RunHistory serves finished runs from the journal.
type RunHistory interface {
	GetRun(ctx context.Context, sessionID string) (*store.Run, []schemas.StepRecord, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Version  string
	History  RunHistory           // Nil disables GET /runs/{id}.
	Gatherer prometheus.Gatherer // Nil disables GET /metrics.
}

// Server is the HTTP surface: streaming run requests, stop requests, health
// and session inspection.
type Server struct {
	cfg      config.ServerConfig
	sessions Sessions
	opts     Options
	logger   *zap.Logger

	httpServer *http.Server
}

// New creates a Server. Call Handler for tests or Run to listen.
func New(logger *zap.Logger, cfg config.ServerConfig, sessions Sessions, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		opts:     opts,
		logger:   logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
		// No WriteTimeout: event streams stay open for the whole session.
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Long-lived streams are registered outside the timeout group.
	r.Post("/run", s.handleRun)
	r.Get("/sessions/{sessionID}/ws", s.handleWatch)

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		r.Get("/health", s.handleHealth)
		r.Post("/stop/{sessionID}", s.handleStop)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)

		if s.opts.History != nil {
			r.Get("/runs/{sessionID}", s.handleGetRun)
		}
		if s.opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
		}

		static, err := fs.Sub(staticFiles, "static")
		if err != nil {
			s.logger.Warn("Embedded client unavailable, / will not be served.", zap.Error(err))
			return
		}
		r.Handle("/*", http.FileServer(http.FS(static)))
	})

	return r
}

// Run listens until ctx is done, then shuts down within the configured
// grace period. Event streams end on their own once their sessions stop.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("address", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	s.logger.Info("HTTP server stopped.")
	return nil
}

// corsMiddleware allows any origin; the service has no cookies or credentials.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
