package debugger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
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

func newFakeSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakedbg.sh")
	if err := os.WriteFile(path, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger script: %v", err)
	}
	cfg.DebuggerPath = path
	s := New(logger.Default(), cfg)
	if err := s.Start(context.Background(), "", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func TestStartMarksActive(t *testing.T) {
	s := newFakeSession(t, DefaultConfig())
	if !s.IsActive() {
		t.Fatal("IsActive() = false after a successful Start")
	}
}

func TestStartFailsForMissingBinary(t *testing.T) {
	s := New(logger.Default(), Config{DebuggerPath: filepath.Join(t.TempDir(), "does-not-exist")})
	err := s.Start(context.Background(), "", nil)
	if !bridgeerr.Is(err, bridgeerr.KindNotFound) {
		t.Fatalf("Start() error = %v, want KindNotFound", err)
	}
}

func TestExecuteReturnsOutputBeforePrompt(t *testing.T) {
	s := newFakeSession(t, DefaultConfig())
	output, err := s.Execute(context.Background(), "lm")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(output, "line one") || !strings.Contains(output, "line two") {
		t.Fatalf("output = %q", output)
	}
}

func TestExecuteFailsWhenNotActive(t *testing.T) {
	s := New(logger.Default(), DefaultConfig())
	_, err := s.Execute(context.Background(), "lm")
	if !bridgeerr.Is(err, bridgeerr.KindDebuggerUnavailable) {
		t.Fatalf("Execute() error = %v, want KindDebuggerUnavailable", err)
	}
}

func TestExecuteCancelledByExternalContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 5 * time.Second
	s := newFakeSession(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = s.Execute(ctx, "HANG")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() did not return after external cancellation")
	}
	if gotErr == nil {
		t.Fatal("expected Execute() to return an error after cancellation")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newFakeSession(t, DefaultConfig())
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if s.IsActive() {
		t.Fatal("IsActive() should be false after Stop")
	}
}

func TestDisposeNeverPanicsOnAlreadyStoppedSession(t *testing.T) {
	s := newFakeSession(t, DefaultConfig())
	s.Stop()
	s.Dispose() // must not panic
}
