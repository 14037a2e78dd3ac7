package events

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
)

// Emitter fans session events out to listeners. Emit never blocks: every
// subscription owns a bounded queue, and when a listener falls behind the
// oldest queued step event is dropped. Terminal events are never dropped.
type Emitter struct {
	logger     *zap.Logger
	metrics    *metrics.Collector
	bufferSize int

	mu      sync.RWMutex
	streams map[string][]*Subscription
	// ended records sessions whose terminal event was emitted, so stray
	// events after it are discarded and late subscribers see an ended stream.
	ended      map[string]struct{}
	isShutdown bool
}

// NewEmitter creates an emitter whose subscriptions buffer up to
// bufferSize step events each.
func NewEmitter(logger *zap.Logger, bufferSize int, collector *metrics.Collector) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Emitter{
		logger:     logger.Named("events.emitter"),
		metrics:    collector,
		bufferSize: bufferSize,
		streams:    make(map[string][]*Subscription),
		ended:      make(map[string]struct{}),
	}
}

// Subscribe starts listening to a session's stream. The returned function
// unsubscribes; it is safe to call more than once.
func (e *Emitter) Subscribe(sessionID string) (*Subscription, func()) {
	sub := newSubscription(sessionID, e.bufferSize)

	e.mu.Lock()
	_, ended := e.ended[sessionID]
	if e.isShutdown || ended {
		e.mu.Unlock()
		sub.close()
		return sub, func() {}
	}
	e.streams[sessionID] = append(e.streams[sessionID], sub)
	e.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			subs := e.streams[sessionID]
			for i, candidate := range subs {
				if candidate == sub {
					e.streams[sessionID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(e.streams[sessionID]) == 0 {
				delete(e.streams, sessionID)
			}
			e.mu.Unlock()
			sub.close()
		})
	}
	return sub, unsubscribe
}

// Emit delivers ev to every current listener of the session, in order.
func (e *Emitter) Emit(sessionID string, ev Event) {
	e.mu.Lock()
	if _, ended := e.ended[sessionID]; ended || e.isShutdown {
		e.mu.Unlock()
		e.logger.Warn("Discarding event for an ended stream",
			zap.String("session_id", sessionID), zap.String("type", string(ev.Type)))
		return
	}
	if ev.Type.IsTerminal() {
		e.ended[sessionID] = struct{}{}
	}
	// Copy so no lock is held while pushing.
	subs := append([]*Subscription(nil), e.streams[sessionID]...)
	e.mu.Unlock()

	if len(subs) == 0 {
		e.logger.Debug("No listeners for event",
			zap.String("session_id", sessionID), zap.String("type", string(ev.Type)))
		return
	}
	for _, sub := range subs {
		if sub.push(ev) {
			e.metrics.EventDropped()
			e.logger.Warn("Listener is behind; dropped oldest step event",
				zap.String("session_id", sessionID), zap.Int("buffer_size", e.bufferSize))
		}
	}
}

// Forget discards all state for a session once its stream is done.
func (e *Emitter) Forget(sessionID string) {
	e.mu.Lock()
	subs := e.streams[sessionID]
	delete(e.streams, sessionID)
	delete(e.ended, sessionID)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Shutdown ends every stream. Listeners drain what is queued and then see io.EOF.
func (e *Emitter) Shutdown() {
	e.mu.Lock()
	if e.isShutdown {
		e.mu.Unlock()
		return
	}
	e.isShutdown = true
	all := e.streams
	e.streams = make(map[string][]*Subscription)
	e.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
}

// Subscription is one listener's ordered view of a session stream.
type Subscription struct {
	SessionID string

	capacity int
	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	terminal bool // Terminal event queued; nothing more is accepted.
	closed   bool
	dropped  int
}

func newSubscription(sessionID string, capacity int) *Subscription {
	return &Subscription{
		SessionID: sessionID,
		capacity:  capacity,
		notify:    make(chan struct{}, 1),
	}
}

// push enqueues ev and reports whether an older event was dropped to make room.
func (s *Subscription) push(ev Event) (dropped bool) {
	s.mu.Lock()
	if s.closed || s.terminal {
		s.mu.Unlock()
		return false
	}
	if !ev.Type.IsTerminal() && len(s.queue) >= s.capacity {
		// Only step events can be queued here, so the head is a step.
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	if ev.Type.IsTerminal() {
		s.terminal = true
	}
	s.mu.Unlock()
	s.signal()
	return dropped
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Next blocks until the next event is available. It returns io.EOF once the
// terminal event has been consumed or the subscription was closed and
// drained, and ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		finished := s.terminal || s.closed
		s.mu.Unlock()
		if finished {
			return Event{}, io.EOF
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Dropped returns how many step events this listener lost.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
