package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
)

// fakeDebuggerScript mimics the wire contract exercised by Execute: two
// lines of output then a prompt for any ordinary command, HANG for a
// command that never answers, q to quit.
const fakeDebuggerScript = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    q) exit 0 ;;
    HANG) sleep 30 ;;
    *) printf 'line one\nline two\n' ;;
  esac
  printf '0:000>\n'
done
`

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakedbg.sh")
	if err := os.WriteFile(path, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger script: %v", err)
	}
	return Config{
		Debugger:  debugger.Config{DebuggerPath: path},
		Processor: processor.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Recovery:  recovery.DefaultConfig(),
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	bus := notify.New(logger.Default())
	t.Cleanup(bus.Close)
	return NewManager(logger.Default(), bus, testConfig(t))
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	got, ok := m.Get("s1")
	if !ok || got != sess {
		t.Fatal("Get() did not return the session created by Create()")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "dup", "", nil)
	if err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	_, err = m.Create(context.Background(), "dup", "", nil)
	if !bridgeerr.Is(err, bridgeerr.KindInvalidArgument) {
		t.Fatalf("second Create() error = %v, want KindInvalidArgument", err)
	}
}

func TestOnSessionTopicFiresBeforeStart(t *testing.T) {
	m := newTestManager(t)
	var gotTopic string
	m.OnSessionTopic = func(topic string) { gotTopic = topic }

	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	if gotTopic != "session/s1" {
		t.Fatalf("OnSessionTopic topic = %q, want %q", gotTopic, "session/s1")
	}
}

func TestDestroyRemovesAndDisposes(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Destroy(context.Background(), "s1"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("session still present after Destroy()")
	}
	if _, err := sess.Enqueue("lm"); !bridgeerr.Is(err, bridgeerr.KindDisposed) {
		t.Fatalf("Enqueue() after Destroy() error = %v, want KindDisposed", err)
	}
}

func TestDestroyUnknownIDIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.Destroy(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("Destroy() of an unknown id returned error = %v, want nil", err)
	}
}

func TestDestroyAllTearsDownEverySession(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create(s1) error = %v", err)
	}
	s2, err := m.Create(context.Background(), "s2", "", nil)
	if err != nil {
		t.Fatalf("Create(s2) error = %v", err)
	}

	if err := m.DestroyAll(context.Background()); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("s1 still present after DestroyAll()")
	}
	if _, ok := m.Get("s2"); ok {
		t.Fatal("s2 still present after DestroyAll()")
	}
	_, err1 := s1.Enqueue("lm")
	_, err2 := s2.Enqueue("lm")
	if !bridgeerr.Is(err1, bridgeerr.KindDisposed) || !bridgeerr.Is(err2, bridgeerr.KindDisposed) {
		t.Fatal("expected both sessions disposed after DestroyAll()")
	}
}

// --- Session behaviour ---

func TestEnqueueRejectsBlankText(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	if _, err := sess.Enqueue("   \t\n"); !bridgeerr.Is(err, bridgeerr.KindInvalidArgument) {
		t.Fatalf("Enqueue(blank) error = %v, want KindInvalidArgument", err)
	}
}

func TestEnqueueAndAwaitResult(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	id, err := sess.Enqueue("lm")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	output, err := sess.GetCommandResult(ctx, id)
	if err != nil {
		t.Fatalf("GetCommandResult() error = %v", err)
	}
	if output == "" {
		t.Fatal("expected non-empty output")
	}

	state, ok := sess.GetCommandState(id)
	if !ok || state != command.StateCompleted {
		t.Fatalf("GetCommandState() = (%v, %v), want (Completed, true)", state, ok)
	}
}

func TestGetCommandStateFallsBackToCacheAfterTrackerDrops(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	id, err := sess.Enqueue("lm")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sess.GetCommandResult(ctx, id); err != nil {
		t.Fatalf("GetCommandResult() error = %v", err)
	}

	// The tracker entry is removed once the command reaches a terminal
	// state; GetCommandState must still resolve it from the cache.
	deadline := time.Now().Add(time.Second)
	var state command.State
	var ok bool
	for time.Now().Before(deadline) {
		state, ok = sess.GetCommandState(id)
		if ok && state == command.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok || state != command.StateCompleted {
		t.Fatalf("GetCommandState() after completion = (%v, %v), want (Completed, true)", state, ok)
	}
}

func TestGetQueueStatusOrdersBySequence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Processor.CommandTimeout = 5 * time.Second
	bus := notify.New(logger.Default())
	t.Cleanup(bus.Close)
	m := NewManager(logger.Default(), bus, cfg)

	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	firstID, err := sess.Enqueue("HANG")
	if err != nil {
		t.Fatalf("Enqueue(HANG) error = %v", err)
	}
	secondID, err := sess.Enqueue("lm")
	if err != nil {
		t.Fatalf("Enqueue(lm) error = %v", err)
	}

	entries := sess.GetQueueStatus()
	if len(entries) != 2 {
		t.Fatalf("GetQueueStatus() len = %d, want 2", len(entries))
	}
	if entries[0].ID != firstID || entries[1].ID != secondID {
		t.Fatalf("GetQueueStatus() order = [%s, %s], want [%s, %s]", entries[0].ID, entries[1].ID, firstID, secondID)
	}
}

func TestDisposeIsIdempotentAndPublishesEvent(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	events := make(chan notify.Notification, 4)
	m.bus.Subscribe("session/s1", func(n notify.Notification) { events <- n })

	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("first Dispose() error = %v", err)
	}
	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}

	select {
	case n := <-events:
		if n.Method != notify.MethodSessionEvent {
			t.Fatalf("notification method = %q, want %q", n.Method, notify.MethodSessionEvent)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sessionEvent notification after Dispose()")
	}
}

func TestRecoverRestartsTheDebuggerProcess(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	sess.debugger.Stop()
	if sess.debugger.IsActive() {
		t.Fatal("expected the debugger to be inactive after Stop()")
	}
	if err := sess.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !sess.debugger.IsActive() {
		t.Fatal("expected the debugger to be active again after Recover()")
	}
}
