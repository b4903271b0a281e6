// Package processor implements the single-consumer command pipeline: one
// goroutine per session pulls queued commands off a channel and executes
// each against a debugger session in turn. One in-flight command at a time
// is the serialization point the debugger session relies on instead of
// locking internally -- see the doc on the debugger.Session type.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/linkctx"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/tracker"
	"go.uber.org/zap"
)

// Config controls the processor's timing.
type Config struct {
	// CommandTimeout bounds a single command's execution, measured from
	// pickup, not from enqueue.
	CommandTimeout time.Duration
	// HeartbeatInterval is how often the heartbeat task logs elapsed time
	// for the command currently executing.
	HeartbeatInterval time.Duration
	// QueueCapacity bounds the number of commands that may be enqueued
	// ahead of the one currently executing.
	QueueCapacity int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    3 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
		QueueCapacity:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	return c
}

// Processor is the single consumer of a session's command queue. It is not
// safe to run more than one consume loop per Processor.
type Processor struct {
	log     *logger.Logger
	cfg     Config
	session *debugger.Session
	cache   *cache.Cache
	tracker *tracker.Tracker

	queue chan *command.Queued

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	disposeOnce sync.Once
	loopDone    chan struct{}

	sessionLostHookMu sync.RWMutex
	sessionLostHook   SessionLostHook
}

// SessionLostHook is invoked synchronously from the consume goroutine when
// a command fails because the debugger session itself is unavailable
// (bridgeerr.KindDebuggerUnavailable). It returns true if the caller should
// retry the command once against a (now hopefully recovered) session, or
// false to let the failure surface as terminal.
type SessionLostHook func(cmd *command.Queued) bool

// New creates a Processor wired to session, cache, and tracker. Run must be
// called in its own goroutine to start consuming.
func New(log *logger.Logger, cfg Config, session *debugger.Session, c *cache.Cache, t *tracker.Tracker) *Processor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		log:            log.WithFields(zap.String("component", "processor")),
		cfg:            cfg,
		session:        session,
		cache:          c,
		tracker:        t,
		queue:          make(chan *command.Queued, cfg.QueueCapacity),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		loopDone:       make(chan struct{}),
	}
}

// HeartbeatInterval returns the configured heartbeat period, so wrappers
// (resilient.Processor) that want to publish their own heartbeat
// notifications don't need to duplicate Config.
func (p *Processor) HeartbeatInterval() time.Duration {
	return p.cfg.HeartbeatInterval
}

// SetSessionLostHook installs hook as the processor's session-lost
// callback. Only the resilient.Processor wrapper calls this; a bare
// Processor with no hook installed always surfaces a debugger-unavailable
// failure as terminal.
func (p *Processor) SetSessionLostHook(hook SessionLostHook) {
	p.sessionLostHookMu.Lock()
	p.sessionLostHook = hook
	p.sessionLostHookMu.Unlock()
}

func (p *Processor) getSessionLostHook() SessionLostHook {
	p.sessionLostHookMu.RLock()
	defer p.sessionLostHookMu.RUnlock()
	return p.sessionLostHook
}

// Enqueue adds cmd to the queue. It returns a bridgeerr of KindDisposed if
// the processor has been disposed, or KindTransient if the queue is full.
func (p *Processor) Enqueue(cmd *command.Queued) error {
	select {
	case <-p.shutdownCtx.Done():
		return bridgeerr.New(bridgeerr.KindDisposed, "processor is shut down")
	default:
	}
	p.tracker.Add(cmd)
	select {
	case p.queue <- cmd:
		return nil
	default:
		p.tracker.TryRemove(cmd.ID)
		return bridgeerr.New(bridgeerr.KindTransient, "command queue is full")
	}
}

// Run consumes the queue until shutdown is signalled or the queue channel
// is closed. It continues across per-command failures; only shutdown or
// queue closure stops the loop. Run returns once draining is complete, and
// closes p.loopDone so Dispose's caller can wait on it.
func (p *Processor) Run() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.shutdownCtx.Done():
			p.drainAsCancelled("service shutdown")
			return
		case cmd, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(cmd)
		}
	}
}

// drainAsCancelled completes every command still sitting in the queue as
// Cancelled with reason, so no enqueuer is left waiting forever past
// shutdown.
func (p *Processor) drainAsCancelled(reason string) {
	for {
		select {
		case cmd, ok := <-p.queue:
			if !ok {
				return
			}
			if cmd.State().IsTerminal() {
				// Already resolved by Cancel(id) while queued.
				continue
			}
			p.finishCancelled(cmd, reason)
		default:
			return
		}
	}
}

// process runs the full per-command protocol documented on the package:
// transition to executing, start a heartbeat, build linked cancellation
// from {command cancel, per-command timeout, processor shutdown}, execute,
// and resolve to exactly one terminal state.
func (p *Processor) process(cmd *command.Queued) {
	p.runAttempt(cmd, false)
}

// runAttempt executes cmd once and resolves it. retriedAfterRecovery marks
// an attempt made after a session-lost recovery already retried this exact
// command once; it bounds handleSessionLost to a single recovery-and-retry
// cycle per command regardless of the recovery manager's own budget.
func (p *Processor) runAttempt(cmd *command.Queued, retriedAfterRecovery bool) {
	if cmd.State().IsTerminal() {
		// Cancel(id) resolved this command synchronously while it was
		// still sitting in the queue; nothing left to execute.
		return
	}
	cmd.SetState(command.StateExecuting)
	p.tracker.SetCurrent(cmd)
	start := time.Now()

	hbCtx, hbCancel := context.WithCancel(context.Background())
	go p.heartbeat(hbCtx, cmd, start)

	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	linked, cancelLinked := linkctx.Merge(cmd.Ctx, timeoutCtx, p.shutdownCtx)

	output, err := p.session.Execute(linked, cmd.Text)

	hbCancel()
	timedOut := errors.Is(timeoutCtx.Err(), context.DeadlineExceeded)
	cancelTimeout()
	cancelLinked()

	elapsed := time.Since(start)
	p.resolve(cmd, output, err, elapsed, start, timedOut, retriedAfterRecovery)
}

// resolve maps the outcome of one Execute call onto the documented terminal
// states, always caching a result and always completing the waiter exactly
// once. timedOut is decided from the dedicated per-command timeout context
// rather than from err's type, since linkctx.Merge's returned context is
// itself cancelled via its own CancelFunc whenever any linked parent fires,
// collapsing err to context.Canceled regardless of which parent it was.
func (p *Processor) resolve(cmd *command.Queued, output string, err error, elapsed time.Duration, start time.Time, timedOut, retriedAfterRecovery bool) {
	queueWait := start.Sub(cmd.QueueTime)

	switch {
	case err == nil:
		p.finishSuccess(cmd, output, elapsed, start, queueWait)
	case cmd.Cancelled():
		// command.cancelSignal was the trigger: a caller (or Cancel(id))
		// fired this command's own cancel, regardless of what else also
		// happened to be racing it.
		p.finishCancelledByUser(cmd, elapsed, start)
	case timedOut:
		p.finishTimeout(cmd, elapsed, start)
	case errors.Is(err, context.Canceled):
		// Neither the command's own signal nor this command's timeout: the
		// remaining linked source is processor/session shutdown.
		p.finishShutdownCancelled(cmd, elapsed, start)
	case bridgeerr.Is(err, bridgeerr.KindDebuggerUnavailable):
		p.handleSessionLost(cmd, err, elapsed, start, retriedAfterRecovery)
	default:
		p.finishFailed(cmd, err, elapsed, start)
	}
}

// handleSessionLost is reached when Execute failed because the debugger
// session itself died mid-command. If a session-lost hook is installed
// (the resilient.Processor wrapper always installs one) and this command
// hasn't already been retried once after recovery, the hook gets one
// chance to recover the session and ask for a retry; otherwise, and on a
// hook that declines, the command is finished as failed. A command that
// hits KindDebuggerUnavailable again after its one retry surfaces as
// failed rather than recovering indefinitely.
func (p *Processor) handleSessionLost(cmd *command.Queued, err error, elapsed time.Duration, start time.Time, retriedAfterRecovery bool) {
	hook := p.getSessionLostHook()
	if !retriedAfterRecovery && hook != nil && hook(cmd) {
		p.log.Info("retrying command after session recovery", zap.String("commandId", cmd.ID))
		p.runAttempt(cmd, true)
		return
	}
	p.finishFailed(cmd, err, elapsed, start)
}

func (p *Processor) finishSuccess(cmd *command.Queued, output string, elapsed time.Duration, start time.Time, queueWait time.Duration) {
	end := time.Now()
	result := command.Success(output, elapsed)
	p.cache.Store(cmd.ID, result, cache.Meta{
		OriginalCommand: cmd.Text,
		QueueTime:       cmd.QueueTime,
		StartTime:       start,
		EndTime:         end,
	})
	p.log.Info("command completed",
		zap.String("commandId", cmd.ID),
		zap.Duration("queueWait", queueWait),
		zap.Duration("execution", elapsed),
		zap.Duration("total", end.Sub(cmd.QueueTime)))
	cmd.TryComplete(output)
	cmd.SetState(command.StateCompleted)
	p.finishTerminal(cmd, p.tracker.IncCompleted)
}

func (p *Processor) finishCancelledByUser(cmd *command.Queued, elapsed time.Duration, start time.Time) {
	p.cacheFailure(cmd, "Command was cancelled by user request", elapsed, start)
	cmd.TryComplete("cancelled")
	cmd.SetState(command.StateCancelled)
	p.finishTerminal(cmd, p.tracker.IncCancelled)
}

func (p *Processor) finishTimeout(cmd *command.Queued, elapsed time.Duration, start time.Time) {
	minutes := p.cfg.CommandTimeout.Minutes()
	msg := fmt.Sprintf("Command timed out after %.0f minutes", minutes)
	p.cacheFailure(cmd, msg, elapsed, start)
	cmd.TryComplete("cancelled")
	cmd.SetState(command.StateFailed)
	p.finishTerminal(cmd, p.tracker.IncFailed)
}

func (p *Processor) finishShutdownCancelled(cmd *command.Queued, elapsed time.Duration, start time.Time) {
	p.cacheFailure(cmd, "Command cancelled due to service shutdown", elapsed, start)
	cmd.TryComplete("cancelled")
	cmd.SetState(command.StateCancelled)
	p.finishTerminal(cmd, p.tracker.IncCancelled)
}

func (p *Processor) finishFailed(cmd *command.Queued, err error, elapsed time.Duration, start time.Time) {
	msg := fmt.Sprintf("Command execution failed: %s", err.Error())
	p.cacheFailure(cmd, msg, elapsed, start)
	p.log.Error("command failed", zap.String("commandId", cmd.ID), zap.Error(err))
	cmd.TryComplete("")
	cmd.SetState(command.StateFailed)
	p.finishTerminal(cmd, p.tracker.IncFailed)
}

// finishCancelled completes a command that never left the queue (dropped
// at shutdown drain time) without ever calling Execute.
func (p *Processor) finishCancelled(cmd *command.Queued, reason string) {
	now := time.Now()
	p.cacheFailure(cmd, "Command cancelled due to "+reason, 0, now)
	cmd.TryComplete("cancelled")
	cmd.SetState(command.StateCancelled)
	p.finishTerminal(cmd, p.tracker.IncCancelled)
}

func (p *Processor) cacheFailure(cmd *command.Queued, message string, elapsed time.Duration, start time.Time) {
	result := command.Failure(message, elapsed)
	p.cache.Store(cmd.ID, result, cache.Meta{
		OriginalCommand: cmd.Text,
		QueueTime:       cmd.QueueTime,
		StartTime:       start,
		EndTime:         time.Now(),
	})
}

// finishTerminal performs the bookkeeping common to every terminal branch:
// bump the matching counter, drop the tracker entry (the cache keeps the
// result), and clear the current-command slot.
func (p *Processor) finishTerminal(cmd *command.Queued, incr func()) {
	incr()
	p.tracker.TryRemove(cmd.ID)
	if cur, ok := p.tracker.Current(); ok && cur.ID == cmd.ID {
		p.tracker.SetCurrent(nil)
	}
}

// heartbeat logs the elapsed execution time every HeartbeatInterval until
// ctx is cancelled (command finished or process is shutting down).
func (p *Processor) heartbeat(ctx context.Context, cmd *command.Queued, start time.Time) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.log.Debug("command still executing",
				zap.String("commandId", cmd.ID),
				zap.Duration("elapsed", time.Since(start)))
		}
	}
}

// Cancel looks up id, returning false iff it is unknown. If the command is
// found but not yet picked up by the consumer loop, it is completed
// synchronously as Cancelled without ever reaching Execute. If it is
// already cancelled, Cancel reports true without re-signalling.
func (p *Processor) Cancel(id string) bool {
	cmd, ok := p.tracker.Get(id)
	if !ok {
		return false
	}
	if cmd.Cancelled() {
		return true
	}
	cmd.CancelFunc()
	if cur, executing := p.tracker.Current(); !executing || cur.ID != id {
		if cmd.State() == command.StateQueued {
			p.cacheFailure(cmd, "Command was cancelled before execution", 0, time.Now())
			cmd.TryComplete("cancelled")
			cmd.SetState(command.StateCancelled)
			p.finishTerminal(cmd, p.tracker.IncCancelled)
		}
	} else {
		p.session.CancelCurrent()
	}
	return true
}

// Dispose signals shutdown, stops accepting new commands, and waits for
// the consume loop to finish draining. Safe to call more than once.
func (p *Processor) Dispose() {
	p.disposeOnce.Do(func() {
		p.shutdownCancel()
	})
	select {
	case <-p.loopDone:
	case <-time.After(10 * time.Second):
		p.log.Warn("processor did not drain within shutdown budget")
	}
}
