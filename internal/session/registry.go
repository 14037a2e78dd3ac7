package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSessionNotFound is returned for ids that are not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when a caller-supplied id is already active.
	ErrDuplicateSession = errors.New("session id already active")
	// ErrCapacityReached is returned when every browser context slot is taken.
	ErrCapacityReached = errors.New("concurrency limit reached")
)

// CreateOptions are the optional parameters of Create.
type CreateOptions struct {
	// ID is the caller-supplied session id. Empty means generate one.
	ID       string
	Headless bool
}

// entry is the registry's bookkeeping around a session.
type entry struct {
	session   *Session
	holdsSlot bool
	// expiresAt is zero while the session is active and set once it has been
	// removed but is still retained for late queries.
	expiresAt time.Time
}

func (e *entry) active() bool { return e.expiresAt.IsZero() }

// Registry is the process-wide table of sessions. One mutex serializes every
// insert, stop request and removal. The loops never hold it: they poll the
// session's own atomic cancel flag.
type Registry struct {
	logger    *zap.Logger
	mu        sync.Mutex
	sessions  map[string]*entry
	capacity  *semaphore.Weighted
	retention time.Duration

	// Overridable in tests.
	now   func() time.Time
	newID func() string
}

// NewRegistry creates a registry that admits at most maxConcurrent active
// sessions and keeps finished ones queryable for the retention window.
func NewRegistry(logger *zap.Logger, maxConcurrent int, retention time.Duration) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Registry{
		logger:    logger.Named("session.registry"),
		sessions:  make(map[string]*entry),
		capacity:  semaphore.NewWeighted(int64(maxConcurrent)),
		retention: retention,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create registers a new running session and takes one capacity slot.
func (r *Registry) Create(goal, startURL string, opts CreateOptions) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := opts.ID
	if id != "" {
		if existing, ok := r.sessions[id]; ok {
			if existing.active() {
				return nil, ErrDuplicateSession
			}
			// A finished session kept for late queries gives way to the new run.
			delete(r.sessions, id)
		}
	} else {
		for id == "" || r.sessions[id] != nil {
			id = r.newID()
		}
	}

	if !r.capacity.TryAcquire(1) {
		return nil, ErrCapacityReached
	}

	s := newSession(id, goal, startURL, opts.Headless, r.now().UTC())
	r.sessions[id] = &entry{session: s, holdsSlot: true}
	r.logger.Info("Session registered",
		zap.String("session_id", id),
		zap.String("start_url", startURL),
		zap.Bool("headless", opts.Headless))
	return s, nil
}

// Get returns the session with the given id, including finished sessions
// still inside their retention window.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// RequestStop asks the session's loop to stop at its next iteration
// boundary. Repeated calls, and calls on finished sessions, succeed and do
// nothing.
func (r *Registry) RequestStop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if e.session.Status().IsTerminal() {
		return nil
	}
	if e.session.requestStop() {
		r.logger.Info("Stop requested", zap.String("session_id", id))
	}
	return nil
}

// Remove is called once a session's loop and its event delivery are both
// finished. The capacity slot is released immediately; the entry itself is
// dropped now, or after the retention window when one is configured.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	if e.holdsSlot {
		r.capacity.Release(1)
		e.holdsSlot = false
	}
	if r.retention <= 0 {
		delete(r.sessions, id)
		r.logger.Debug("Session removed", zap.String("session_id", id))
		return
	}
	if e.active() {
		e.expiresAt = r.now().Add(r.retention)
		r.logger.Debug("Session retained for late queries",
			zap.String("session_id", id), zap.Time("expires_at", e.expiresAt))
	}
}

// Sweep drops retained sessions whose window has elapsed and returns how
// many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	dropped := 0
	for id, e := range r.sessions {
		if !e.active() && !now.Before(e.expiresAt) {
			delete(r.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Debug("Swept expired sessions", zap.Int("count", dropped))
	}
	return dropped
}

// Run sweeps on every interval tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// List returns every registered session, oldest first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions, active or retained.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
