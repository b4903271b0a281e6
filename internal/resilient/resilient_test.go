package resilient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/tracker"
)

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

func newFakeDebugger(t *testing.T) *debugger.Session {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakedbg.sh")
	if err := os.WriteFile(path, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger script: %v", err)
	}
	cfg := debugger.DefaultConfig()
	cfg.DebuggerPath = path
	dbg := debugger.New(logger.Default(), cfg)
	if err := dbg.Start(context.Background(), "", nil); err != nil {
		t.Fatalf("failed to start fake debugger: %v", err)
	}
	t.Cleanup(dbg.Dispose)
	return dbg
}

func newTestResilient(t *testing.T) (*Processor, *tracker.Tracker, *notify.Bus) {
	t.Helper()
	dbg := newFakeDebugger(t)
	c := cache.New(cache.DefaultConfig())
	trk := tracker.New()
	core := processor.New(logger.Default(), processor.DefaultConfig(), dbg, c, trk)
	recov := recovery.New(logger.Default(), recovery.DefaultConfig(), dbg, &noopRecoverer{})
	bus := notify.New(logger.Default())
	t.Cleanup(bus.Close)
	p := New(logger.Default(), "s1", core, recov, trk, bus, "session/s1")
	go p.Run()
	t.Cleanup(p.Dispose)
	return p, trk, bus
}

type noopRecoverer struct{}

func (noopRecoverer) Recover(ctx context.Context) error { return nil }

func TestEnqueuePublishesQueuedThenCompleted(t *testing.T) {
	p, _, bus := newTestResilient(t)

	received := make(chan notify.Notification, 8)
	bus.Subscribe("session/s1", func(n notify.Notification) { received <- n })

	cmd := command.New("c1", "lm", context.Background(), time.Now())
	if err := p.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	sawQueued, sawTerminal := false, false
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case n := <-received:
			params, ok := n.Params.(CommandStatusParams)
			if !ok {
				continue
			}
			if params.State == command.StateQueued {
				sawQueued = true
			}
			if params.State.IsTerminal() {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("did not observe both queued and a terminal commandStatus notification in time")
		}
	}
	if !sawQueued {
		t.Fatal("never observed a queued commandStatus notification")
	}
}

func TestGetCommandResultAwaitsCompletion(t *testing.T) {
	p, _, _ := newTestResilient(t)

	cmd := command.New("c1", "lm", context.Background(), time.Now())
	if err := p.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	output, err := p.GetCommandResult(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetCommandResult() error = %v", err)
	}
	if output == "" {
		t.Fatal("expected non-empty output")
	}
}

func TestCancelAllCommandsReturnsCount(t *testing.T) {
	p, _, bus := newTestResilient(t)

	events := make(chan notify.Notification, 4)
	bus.Subscribe("session/s1", func(n notify.Notification) { events <- n })

	cmd := command.New("c1", "HANG", context.Background(), time.Now())
	if err := p.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let it reach Executing

	n := p.CancelAllCommands("test shutdown")
	if n != 1 {
		t.Fatalf("CancelAllCommands() = %d, want 1", n)
	}
}

// --- onSessionLost (documented S6 scenario) ---

type flakyRecoverer struct {
	failUntil int
	calls     int
}

func (f *flakyRecoverer) Recover(ctx context.Context) error {
	f.calls++
	if f.calls < f.failUntil {
		return errors.New("still down")
	}
	return nil
}

func TestOnSessionLostRetriesOnceThenSucceeds(t *testing.T) {
	dbg := newFakeDebugger(t)
	c := cache.New(cache.DefaultConfig())
	trk := tracker.New()
	core := processor.New(logger.Default(), processor.DefaultConfig(), dbg, c, trk)

	recov := recovery.New(logger.Default(), recovery.Config{
		CancellationTimeout:     time.Second,
		RestartDelay:            time.Millisecond,
		HealthCheckInterval:     time.Minute,
		MaxRecoveryAttempts:     2,
		RecoveryAttemptCooldown: 0,
	}, dbg, &flakyRecoverer{failUntil: 2})

	bus := notify.New(logger.Default())
	defer bus.Close()
	p := New(logger.Default(), "s1", core, recov, trk, bus, "session/s1")

	cmd := command.New("c1", "lm", context.Background(), time.Now())
	if !p.onSessionLost(cmd) {
		t.Fatal("expected recovery to eventually succeed within the attempt budget")
	}
}

func TestOnSessionLostGivesUpAfterMaxAttempts(t *testing.T) {
	dbg := newFakeDebugger(t)
	c := cache.New(cache.DefaultConfig())
	trk := tracker.New()
	core := processor.New(logger.Default(), processor.DefaultConfig(), dbg, c, trk)

	recov := recovery.New(logger.Default(), recovery.Config{
		CancellationTimeout:     time.Second,
		RestartDelay:            time.Millisecond,
		HealthCheckInterval:     time.Minute,
		MaxRecoveryAttempts:     1,
		RecoveryAttemptCooldown: time.Hour,
	}, dbg, &flakyRecoverer{failUntil: 100})

	bus := notify.New(logger.Default())
	defer bus.Close()
	p := New(logger.Default(), "s1", core, recov, trk, bus, "session/s1")

	cmd := command.New("c1", "lm", context.Background(), time.Now())
	if p.onSessionLost(cmd) {
		t.Fatal("expected the first attempt to fail and not be retried again")
	}
	if p.onSessionLost(cmd) {
		t.Fatal("expected a second call to be refused by the cooldown/attempt budget")
	}
}
