package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/internal/service"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
	"github.com/xkilldash9x/scalpel-nav/internal/store"
)

// sessionView is the JSON shape of a session, with its steps when asked.
type sessionView struct {
	session.Info
	Steps []stepView `json:"steps,omitempty"`
}

// stepView is a step without its screenshot.
type stepView struct {
	Index      int    `json:"step"`
	Action     string `json:"action"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Success    bool   `json:"success"`
	URL        string `json:"url,omitempty"`
	ParseError string `json:"parse_error,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
		"version": s.opts.Version,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Stop(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Session '%s' not found or already finished", id))
			return
		}
		s.logger.Error("Stop request failed", zap.String("session_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "stopping", "session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	out := make([]session.Info, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Snapshot())
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Session '%s' not found", id))
		return
	}

	view := sessionView{Info: sess.Snapshot()}
	for _, step := range sess.Steps() {
		view.Steps = append(view.Steps, stepView{
			Index:      step.Index,
			Action:     step.ActionName(),
			Message:    step.Message,
			Reason:     step.Reason,
			Success:    step.Success,
			URL:        step.URL,
			ParseError: step.ParseError,
			ElapsedMS:  step.ElapsedMS,
		})
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	run, steps, err := s.opts.History.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Run '%s' not found", id))
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run", zap.String("session_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"run": run, "steps": steps})
}

// startStatus maps a Start error to an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrCapacityReached), errors.Is(err, service.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError sends a standardized JSON error response.
func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
