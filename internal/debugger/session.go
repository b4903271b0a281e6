// Package debugger owns the child debugger process: locating the binary,
// spawning it, writing commands, reading prompt-delimited output, and
// tearing it down. Grounded on the process-group spawn/kill escalation in
// the agentctl process runner (internal/agentctl/server/process/runner.go),
// narrowed from "many background processes" to exactly one long-lived
// interactive child per session.
package debugger

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/linkctx"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"go.uber.org/zap"
)

const (
	interruptByte       = 0x03
	breakToPromptCmd    = "\n"
	quitCommand         = "q\n"
	cancelWriteBudget   = 3 * time.Second
)

// Session owns one long-lived debugger child process. It does not
// serialize Execute calls against itself -- see the processor package doc
// for why that's the queue's job, not this type's.
// The only state Session guards with its own locks is the lifecycle flags
// and the current-operation cancel slot.
type Session struct {
	log *logger.Logger
	cfg Config

	lifecycleMu sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *os.File
	stderr      *os.File
	active      atomic.Bool
	exited      atomic.Bool
	exitedCh    chan struct{}

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	opMu     sync.Mutex
	opCancel context.CancelFunc
}

// New creates a Session bound to cfg. The child process isn't spawned
// until Start is called.
func New(log *logger.Logger, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:            log.WithFields(zap.String("component", "debugger-session")),
		cfg:            cfg.withDefaults(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Start locates the debugger binary, spawns it against target with args,
// and marks the session active. If a session is already active it is
// stopped first. Start fails with KindNotFound if no binary can be
// located, or KindTimeout if the overall start exceeds CommandTimeout.
func (s *Session) Start(ctx context.Context, target string, args []string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.active.Load() {
		if err := s.stopLocked(); err != nil {
			s.log.Warn("failed to stop previous debugger session before restart", zap.Error(err))
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	path, err := locateBinary(startCtx, s.cfg)
	if err != nil {
		return err
	}

	fullArgs := append([]string{}, args...)
	fullArgs = append(fullArgs, target)
	cmd := exec.CommandContext(s.shutdownCtx, path, fullArgs...)
	cmd.Env = mergeEnv(s.cfg.symbolServerEnv())
	setProcessGroup(cmd)

	stdinW, err := cmd.StdinPipe()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDebuggerUnavailable, "failed to attach stdin", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDebuggerUnavailable, "failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDebuggerUnavailable, "failed to create stderr pipe", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return bridgeerr.Wrap(bridgeerr.KindDebuggerUnavailable, "failed to start debugger process", err)
	}
	// The write ends belong to the child now; close our copies so EOF
	// propagates correctly once the child exits.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	if startCtx.Err() != nil {
		_ = cmd.Process.Kill()
		return bridgeerr.New(bridgeerr.KindTimeout, "debugger start exceeded command timeout")
	}

	if s.cfg.StartupDelay > 0 {
		select {
		case <-time.After(s.cfg.StartupDelay):
		case <-startCtx.Done():
			_ = cmd.Process.Kill()
			return bridgeerr.New(bridgeerr.KindTimeout, "debugger start exceeded command timeout")
		}
	}

	s.cmd = cmd
	s.stdin = stdinW
	s.stdout = stdoutR
	s.stderr = stderrR
	s.exitedCh = make(chan struct{})
	s.exited.Store(false)
	s.active.Store(true)

	go s.drainStderr()
	go s.watchExit()

	s.log.Info("debugger session started", zap.String("path", path), zap.String("target", target))
	return nil
}

// IsActive reports whether the session is started and the child process
// hasn't exited, without taking any lock.
func (s *Session) IsActive() bool {
	return s.active.Load() && !s.exited.Load()
}

// Execute requires the session to be active. It writes command to stdin,
// then reads output until a prompt is seen or cancellation fires from
// externalCancel, the per-call CommandTimeout, or session shutdown --
// whichever comes first.
//
// Execute does not serialize against concurrent callers; the
// processor's single-consumer queue is what guarantees only one call is
// in flight at a time. See the package doc on the processor for the
// reasoning.
func (s *Session) Execute(externalCancel context.Context, command string) (string, error) {
	if !s.IsActive() {
		return "", bridgeerr.New(bridgeerr.KindDebuggerUnavailable, "debugger session is not active")
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancelTimeout()
	linked, cancelLinked := linkctx.Merge(timeoutCtx, externalCancel, s.shutdownCtx)
	defer cancelLinked()

	s.opMu.Lock()
	s.opCancel = cancelLinked
	s.opMu.Unlock()
	defer func() {
		s.opMu.Lock()
		s.opCancel = nil
		s.opMu.Unlock()
	}()

	if err := s.writeCommand(command); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindTransient, "failed to write command", err)
	}

	output, err := readUntilPrompt(linked, s.stdout, s.log)
	if err != nil {
		if linked.Err() != nil {
			// The partial output buffer is intentionally discarded here:
			// a cancelled read's output is not a reliable prefix of what
			// the debugger would eventually have printed.
			return "cancelled", linked.Err()
		}
		if !s.IsActive() {
			return "", bridgeerr.New(bridgeerr.KindDebuggerUnavailable, "debugger session exited mid-read")
		}
		return "", bridgeerr.Wrap(bridgeerr.KindTransient, "failed to read debugger output", err)
	}
	return output, nil
}

func (s *Session) writeCommand(command string) error {
	if s.stdin == nil {
		return bridgeerr.New(bridgeerr.KindDebuggerUnavailable, "stdin is not available")
	}
	_, err := io.WriteString(s.stdin, command+"\n")
	return err
}

// CancelCurrent cancels the in-flight operation's linked context (if any)
// and then writes the debugger's interrupt byte followed by a
// break-to-prompt command. Both writes are best-effort: a torn-down
// stream is logged at debug and never surfaced as an error, and the whole
// call never blocks the caller longer than cancelWriteBudget.
func (s *Session) CancelCurrent() {
	s.opMu.Lock()
	cancel := s.opCancel
	s.opMu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.stdin == nil {
			return
		}
		if _, err := s.stdin.Write([]byte{interruptByte}); err != nil {
			s.log.Debug("interrupt byte write failed on torn-down stream", zap.Error(err))
			return
		}
		if _, err := io.WriteString(s.stdin, breakToPromptCmd); err != nil {
			s.log.Debug("break-to-prompt write failed on torn-down stream", zap.Error(err))
		}
	}()

	select {
	case <-done:
	case <-time.After(cancelWriteBudget):
		s.log.Debug("interrupt write did not complete within budget")
	}
}

// Stop sends the debugger's quit command, waits ShutdownGrace for a clean
// exit, and force-kills the process group if the debugger is still alive.
// It always returns nil, including when the process was already inactive.
func (s *Session) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if !s.active.Load() {
		return nil
	}
	if s.stdin != nil {
		_, _ = io.WriteString(s.stdin, quitCommand)
	}

	select {
	case <-s.exitedCh:
	case <-time.After(s.cfg.ShutdownGrace):
		if s.cmd != nil && s.cmd.Process != nil {
			if err := killProcessGroup(s.cmd.Process.Pid); err != nil {
				s.log.Warn("failed to kill debugger process group", zap.Error(err))
			}
		}
		<-s.exitedCh
	}

	s.closeStreams()
	s.active.Store(false)
	return nil
}

// Dispose stops the session if still active, tolerating a session that
// was already stopped (no error, no panic on double-dispose).
func (s *Session) Dispose() {
	s.shutdownCancel()
	_ = s.Stop()
}

func (s *Session) closeStreams() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
}

// drainStderr opportunistically captures stderr into the log for
// postmortem; the debugger wire contract carries all meaningful output on
// stdout, so stderr is diagnostic-only.
func (s *Session) drainStderr() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stderr.Read(buf)
		if n > 0 {
			s.log.Debug("debugger stderr", zap.ByteString("data", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// watchExit is the sole caller of cmd.Wait for this process instance, so
// stop() waits on exitedCh rather than calling Wait itself (exec.Cmd.Wait
// may only be called once).
func (s *Session) watchExit() {
	_ = s.cmd.Wait()
	s.exited.Store(true)
	s.active.Store(false)
	close(s.exitedCh)
}

func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
