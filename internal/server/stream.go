package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/internal/events"
	"github.com/xkilldash9x/scalpel-nav/internal/service"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

const (
	// Maximum accepted size of a run request body.
	maxRunBody = 64 << 10

	// Time allowed to write a message to a watcher.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from a watcher.
	pongWait = 60 * time.Second
	// Pings are sent with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is open on every other route too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRun starts a session and streams its events as Server-Sent Events
// until the terminal event. A client that goes away stops the session.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req service.RunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRunBody)).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	run, err := s.sessions.Start(req)
	if err != nil {
		status := startStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Failed to start session", zap.Error(err))
		}
		s.respondWithError(w, status, err.Error())
		return
	}
	defer run.Release()

	id := run.Session.ID
	logger := s.logger.With(zap.String("session_id", id))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-ID", id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Info("Streaming session events.")

	clientGone := func(reason error) {
		logger.Info("Client disconnected, stopping session.", zap.Error(reason))
		if err := s.sessions.Stop(id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			logger.Warn("Failed to stop session after disconnect.", zap.Error(err))
		}
	}

	for {
		ev, err := s.nextEvent(r.Context(), run.Events, s.cfg.Heartbeat)
		switch {
		case err == nil:
			if err := writeSSE(w, ev); err != nil {
				clientGone(err)
				return
			}
			flusher.Flush()
		case errors.Is(err, io.EOF):
			if dropped := run.Events.Dropped(); dropped > 0 {
				logger.Warn("Stream finished with dropped step events.", zap.Int("dropped", dropped))
			}
			return
		case r.Context().Err() != nil:
			clientGone(r.Context().Err())
			return
		case errors.Is(err, context.DeadlineExceeded):
			// Comment lines keep proxies from closing an idle stream.
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				clientGone(err)
				return
			}
			flusher.Flush()
		default:
			logger.Error("Event stream failed.", zap.Error(err))
			return
		}
	}
}

// nextEvent waits for the next event, giving up after interval so the
// caller can send a keep-alive. A zero interval waits indefinitely.
func (s *Server) nextEvent(ctx context.Context, sub *events.Subscription, interval time.Duration) (events.Event, error) {
	if interval <= 0 {
		return sub.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	return sub.Next(waitCtx)
}

func writeSSE(w io.Writer, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return nil
}

// handleWatch attaches a read-only WebSocket listener to a running session.
// Closing the socket does not stop the session.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	_, sub, release, err := s.sessions.Subscribe(id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Session '%s' not found", id))
		return
	case errors.Is(err, session.ErrSessionFinished):
		s.respondWithError(w, http.StatusConflict, fmt.Sprintf("Session '%s' already finished", id))
		return
	case err != nil:
		s.respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("WebSocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.watchReadPump(conn, cancel)

	for {
		ev, err := s.nextEvent(ctx, sub, pingPeriod)
		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Watcher write failed", zap.String("session_id", id), zap.Error(err))
				return
			}
		case errors.Is(err, io.EOF):
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// watchReadPump discards client messages and cancels the watch when the
// connection drops.
func (s *Server) watchReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Watcher closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}
