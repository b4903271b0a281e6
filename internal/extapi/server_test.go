package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/exttoken"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/session"
	"net/http/httptest"
)

const fakeDebuggerScript = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    q) exit 0 ;;
    *) printf 'line one\nline two\n' ;;
  esac
  printf '0:000>\n'
done
`

func newTestServer(t *testing.T) (*httptest.Server, *session.Session, *exttoken.Registry) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakedbg.sh")
	if err := os.WriteFile(path, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger script: %v", err)
	}

	cfg := session.Config{
		Debugger:  debugger.Config{DebuggerPath: path},
		Processor: processor.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Recovery:  recovery.DefaultConfig(),
	}
	bus := notify.New(logger.Default())
	t.Cleanup(bus.Close)
	manager := session.NewManager(logger.Default(), bus, cfg)

	sess, err := manager.Create(context.Background(), "s1", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { sess.Dispose(context.Background()) })

	tokens := exttoken.New(time.Minute)
	t.Cleanup(tokens.Close)

	srv := New(logger.Default(), manager, tokens, Config{RequestDeadline: 2 * time.Second})
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return ts, sess, tokens
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("http.NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http.Do() error = %v", err)
	}
	defer resp.Body.Close()
	var parsed map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&parsed) // some responses (e.g. /log) have no body
	return resp, parsed
}

func TestExecuteRoundTripWithValidToken(t *testing.T) {
	ts, _, tokens := newTestServer(t)
	token, err := tokens.Create("s1", "seed-command")
	if err != nil {
		t.Fatalf("tokens.Create() error = %v", err)
	}

	resp, body := postJSON(t, ts, "/extension-callback/execute", token, map[string]any{"command": "lm"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "Success" {
		t.Fatalf("status field = %v, want Success", body["status"])
	}
	output, _ := body["output"].(string)
	if output == "" {
		t.Fatal("expected non-empty output")
	}
}

func TestExecuteRejectsMissingBearerToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, _ := postJSON(t, ts, "/extension-callback/execute", "", map[string]any{"command": "lm"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExecuteRejectsInvalidToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, _ := postJSON(t, ts, "/extension-callback/execute", "ext_does-not-exist", map[string]any{"command": "lm"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExecuteUnknownSessionReturnsBadRequest(t *testing.T) {
	ts, _, tokens := newTestServer(t)
	token, err := tokens.Create("no-such-session", "seed-command")
	if err != nil {
		t.Fatalf("tokens.Create() error = %v", err)
	}

	resp, _ := postJSON(t, ts, "/extension-callback/execute", token, map[string]any{"command": "lm"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReadReturnsCompletedCommandOutput(t *testing.T) {
	ts, sess, tokens := newTestServer(t)
	token, err := tokens.Create("s1", "seed-command")
	if err != nil {
		t.Fatalf("tokens.Create() error = %v", err)
	}

	id, err := sess.Enqueue("lm")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sess.GetCommandResult(ctx, id); err != nil {
		t.Fatalf("GetCommandResult() error = %v", err)
	}

	resp, body := postJSON(t, ts, "/extension-callback/read", token, map[string]any{"commandId": id})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", resp.StatusCode, body)
	}
	if body["isCompleted"] != true {
		t.Fatalf("isCompleted = %v, want true", body["isCompleted"])
	}
	if body["status"] != "Success" {
		t.Fatalf("status = %v, want Success", body["status"])
	}
}

func TestReadUnknownCommandIDReturnsNotFound(t *testing.T) {
	ts, _, tokens := newTestServer(t)
	token, err := tokens.Create("s1", "seed-command")
	if err != nil {
		t.Fatalf("tokens.Create() error = %v", err)
	}

	resp, _ := postJSON(t, ts, "/extension-callback/read", token, map[string]any{"commandId": "does-not-exist"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLogAcceptsAMessage(t *testing.T) {
	ts, _, tokens := newTestServer(t)
	token, err := tokens.Create("s1", "seed-command")
	if err != nil {
		t.Fatalf("tokens.Create() error = %v", err)
	}

	resp, _ := postJSON(t, ts, "/extension-callback/log", token, map[string]any{"message": "hello from extension", "level": "warn"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
