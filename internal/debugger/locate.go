package debugger

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
)

const pathLookupBudget = 5 * time.Second

// locateBinary resolves the debugger executable: a configured path wins
// outright, then architecture-prioritized well-known install locations,
// then a PATH lookup bounded by pathLookupBudget so a slow or hanging
// filesystem can't stall session start indefinitely.
func locateBinary(ctx context.Context, cfg Config) (string, error) {
	if cfg.DebuggerPath != "" {
		if _, err := os.Stat(cfg.DebuggerPath); err == nil {
			return cfg.DebuggerPath, nil
		}
		return "", bridgeerr.New(bridgeerr.KindNotFound, "configured debugger path does not exist: "+cfg.DebuggerPath)
	}

	for _, candidate := range wellKnownPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	path, err := lookPathWithBudget(ctx, "cdb.exe")
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindNotFound, "debugger binary not found in PATH", err)
	}
	return path, nil
}

// lookPathWithBudget wraps exec.LookPath with a hard timeout. LookPath
// itself doesn't accept a context, but a stalled or unusually large PATH
// (e.g. a network filesystem entry) shouldn't be allowed to block start()
// past the documented 5 s cap.
func lookPathWithBudget(ctx context.Context, name string) (string, error) {
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := exec.LookPath(name)
		done <- result{path, err}
	}()

	budget, cancel := context.WithTimeout(ctx, pathLookupBudget)
	defer cancel()

	select {
	case r := <-done:
		return r.path, r.err
	case <-budget.Done():
		return "", bridgeerr.New(bridgeerr.KindTimeout, "PATH lookup exceeded 5s budget")
	}
}
