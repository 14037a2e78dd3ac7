package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-nav/internal/metrics"
	"github.com/xkilldash9x/scalpel-nav/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Test Setup Helper

func setupEmitter(t *testing.T, bufferSize int) *Emitter {
	t.Helper()
	emitter := NewEmitter(zaptest.NewLogger(t), bufferSize, nil)
	t.Cleanup(emitter.Shutdown)
	return emitter
}

func stepEvent(sessionID string, index int) Event {
	return NewStepEvent(sessionID, session.Step{Index: index, Message: fmt.Sprintf("step %d", index), Success: true})
}

// drain reads until the stream ends and returns what it saw.
func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if !assert.NoError(t, err) {
			return out
		}
		out = append(out, ev)
	}
}

// Test Cases: Delivery and Ordering

func TestEmitter_DeliversInOrderThenTerminal(t *testing.T) {
	emitter := setupEmitter(t, 16)
	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	for i := 1; i <= 3; i++ {
		emitter.Emit("s1", stepEvent("s1", i))
	}
	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusDone, "Goal accomplished: ok", 3))

	got := drain(t, sub)
	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, TypeStep, got[i].Type)
		assert.Equal(t, i+1, got[i].Step)
	}
	assert.Equal(t, TypeDone, got[3].Type)
	assert.Equal(t, 3, got[3].Steps)
}

func TestEmitter_NextBlocksUntilEmit(t *testing.T) {
	emitter := setupEmitter(t, 4)
	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	received := make(chan Event, 1)
	go func() {
		ev, err := sub.Next(context.Background())
		if err == nil {
			received <- ev
		}
	}()

	select {
	case <-received:
		t.Fatal("Next returned before anything was emitted")
	case <-time.After(50 * time.Millisecond):
	}

	emitter.Emit("s1", stepEvent("s1", 1))
	select {
	case ev := <-received:
		assert.Equal(t, 1, ev.Step)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event delivery")
	}
}

func TestEmitter_IsolatesSessions(t *testing.T) {
	emitter := setupEmitter(t, 4)
	subA, unsubA := emitter.Subscribe("a")
	defer unsubA()
	subB, unsubB := emitter.Subscribe("b")
	defer unsubB()

	emitter.Emit("a", stepEvent("a", 1))
	emitter.Emit("a", NewTerminalEvent("a", session.StatusFailed, "boom", 1))
	emitter.Emit("b", NewTerminalEvent("b", session.StatusStopped, "Session cancelled by client", 0))

	gotA := drain(t, subA)
	gotB := drain(t, subB)
	require.Len(t, gotA, 2)
	require.Len(t, gotB, 1)
	assert.Equal(t, TypeFail, gotA[1].Type)
	assert.Equal(t, TypeStopped, gotB[0].Type)
	for _, ev := range gotA {
		assert.Equal(t, "a", ev.SessionID)
	}
}

func TestEmitter_FanOutToEveryListener(t *testing.T) {
	emitter := setupEmitter(t, 4)
	first, unsubFirst := emitter.Subscribe("s1")
	defer unsubFirst()
	second, unsubSecond := emitter.Subscribe("s1")
	defer unsubSecond()

	emitter.Emit("s1", stepEvent("s1", 1))
	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusDone, "done", 1))

	assert.Len(t, drain(t, first), 2)
	assert.Len(t, drain(t, second), 2)
}

// Test Cases: Terminal Semantics

func TestEmitter_DiscardsEventsAfterTerminal(t *testing.T) {
	emitter := setupEmitter(t, 4)
	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusStopped, "Session cancelled by client", 0))
	emitter.Emit("s1", stepEvent("s1", 1))
	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusDone, "late", 1))

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, TypeStopped, got[0].Type)
}

func TestEmitter_LateSubscriberSeesEndedStream(t *testing.T) {
	emitter := setupEmitter(t, 4)
	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusDone, "done", 0))

	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	// Forget clears the ended marker so the id can be reused.
	emitter.Forget("s1")
	sub2, unsub2 := emitter.Subscribe("s1")
	defer unsub2()
	emitter.Emit("s1", stepEvent("s1", 1))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeStep, ev.Type)
}

// Test Cases: Backpressure

func TestEmitter_SlowListenerDropsOldestStepsButKeepsTerminal(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zaptest.NewLogger(t))
	emitter := NewEmitter(zaptest.NewLogger(t), 2, collector)
	t.Cleanup(emitter.Shutdown)

	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	for i := 1; i <= 5; i++ {
		emitter.Emit("s1", stepEvent("s1", i))
	}
	emitter.Emit("s1", NewTerminalEvent("s1", session.StatusDone, "done", 5))

	got := drain(t, sub)
	require.Len(t, got, 3)
	assert.Equal(t, 4, got[0].Step)
	assert.Equal(t, 5, got[1].Step)
	assert.Equal(t, TypeDone, got[2].Type)
	assert.Equal(t, 3, sub.Dropped())

	expected := "# HELP test_events_dropped_total Step events dropped because a listener fell behind\n" +
		"# TYPE test_events_dropped_total counter\n" +
		"test_events_dropped_total 3\n"
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_events_dropped_total"))
}

func TestEmitter_EmitNeverBlocksWithoutReaders(t *testing.T) {
	emitter := setupEmitter(t, 1)
	_, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 1000; i++ {
			emitter.Emit("s1", stepEvent("s1", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a listener that never reads")
	}
}

// Test Cases: Lifecycle

func TestEmitter_NextHonorsContext(t *testing.T) {
	emitter := setupEmitter(t, 4)
	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmitter_UnsubscribeEndsStream(t *testing.T) {
	emitter := setupEmitter(t, 4)
	sub, unsubscribe := emitter.Subscribe("s1")

	emitter.Emit("s1", stepEvent("s1", 1))
	unsubscribe()
	unsubscribe()

	// Queued events are still drained before EOF.
	got := drain(t, sub)
	assert.Len(t, got, 1)

	emitter.mu.RLock()
	_, stillListed := emitter.streams["s1"]
	emitter.mu.RUnlock()
	assert.False(t, stillListed)
}

func TestEmitter_ShutdownReleasesBlockedReaders(t *testing.T) {
	emitter := NewEmitter(zaptest.NewLogger(t), 4, nil)
	sub, unsubscribe := emitter.Subscribe("s1")
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = sub.Next(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	emitter.Shutdown()
	emitter.Shutdown()
	wg.Wait()
	assert.ErrorIs(t, err, io.EOF)

	// Emits after shutdown are ignored.
	emitter.Emit("s1", stepEvent("s1", 1))
}

func TestEmitter_ConcurrentSessions(t *testing.T) {
	emitter := setupEmitter(t, 128)
	const sessions = 8
	const steps = 20

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		id := fmt.Sprintf("s%d", s)
		sub, unsubscribe := emitter.Subscribe(id)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 1; i <= steps; i++ {
				emitter.Emit(id, stepEvent(id, i))
			}
			emitter.Emit(id, NewTerminalEvent(id, session.StatusDone, "done", steps))
		}()
		go func() {
			defer wg.Done()
			defer unsubscribe()
			got := drain(t, sub)
			assert.Len(t, got, steps+1)
			for i := 0; i < steps; i++ {
				assert.Equal(t, i+1, got[i].Step)
			}
		}()
	}
	wg.Wait()
}
