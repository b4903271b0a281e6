// Package resilient wraps the command processor with automatic session
// recovery and the outward-facing notification stream: every state
// transition a command goes through is published on the session's
// notification topic, and a failure that looks like the debugger session
// itself died triggers one bounded recovery-and-retry cycle instead of
// surfacing immediately.
package resilient

import (
	"context"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/tracker"
	"go.uber.org/zap"
)

// CommandStatusParams is published on every state transition a command
// makes.
type CommandStatusParams struct {
	SessionID string        `json:"sessionId"`
	CommandID string        `json:"commandId"`
	State     command.State `json:"state"`
	Text      string        `json:"text,omitempty"`
}

// CommandHeartbeatParams is published periodically while a command is
// executing.
type CommandHeartbeatParams struct {
	SessionID      string `json:"sessionId"`
	CommandID      string `json:"commandId"`
	ElapsedDisplay string `json:"elapsedDisplay"`
}

// SessionRecoveryParams mirrors a recovery.Notification for the wire.
type SessionRecoveryParams struct {
	SessionID        string   `json:"sessionId"`
	Reason           string   `json:"reason"`
	Step             string   `json:"step"`
	Success          bool     `json:"success"`
	AffectedCommands []string `json:"affectedCommands,omitempty"`
}

// Processor is the superset of processor.Processor described on the
// package: up-front tracker registration (already true of the wrapped
// processor.Processor.Enqueue), notification emission on every
// transition, and a bounded retry-on-session-lost loop backed by a
// recovery.Manager.
type Processor struct {
	log       *logger.Logger
	sessionID string
	core      *processor.Processor
	recov     *recovery.Manager
	trk       *tracker.Tracker
	bus       *notify.Bus
	topic     string

	regMu    sync.Mutex
	pending  map[string]*command.Queued
}

// New creates a resilient Processor. topic is the notify.Bus topic this
// session's transitions and recovery events are published to.
func New(log *logger.Logger, sessionID string, core *processor.Processor, recov *recovery.Manager, trk *tracker.Tracker, bus *notify.Bus, topic string) *Processor {
	p := &Processor{
		log:       log.WithFields(zap.String("component", "resilient-processor"), zap.String("sessionId", sessionID)),
		sessionID: sessionID,
		core:      core,
		recov:     recov,
		trk:       trk,
		bus:       bus,
		topic:     topic,
		pending:   make(map[string]*command.Queued),
	}
	core.SetSessionLostHook(p.onSessionLost)
	return p
}

// Run starts the underlying processor's consume loop. Call in its own
// goroutine.
func (p *Processor) Run() {
	p.core.Run()
}

// Dispose tears down the underlying processor.
func (p *Processor) Dispose() {
	p.core.Dispose()
}

// Enqueue registers cmd (already done up front by the wrapped processor's
// Enqueue), retains it in the result registry so GetCommandResult can
// await its completion channel directly, and publishes the `queued`
// transition.
func (p *Processor) Enqueue(cmd *command.Queued) error {
	if err := p.core.Enqueue(cmd); err != nil {
		return err
	}
	p.regMu.Lock()
	p.pending[cmd.ID] = cmd
	p.regMu.Unlock()
	p.publishStatus(cmd)
	go p.watchTransitions(cmd)
	return nil
}

// watchTransitions publishes a commandStatus notification for executing
// and the eventual terminal state, since the core processor only exposes
// state via polling. It exits once the command's completion channel
// closes. It also starts (and stops) the heartbeat publisher around the
// Executing state.
func (p *Processor) watchTransitions(cmd *command.Queued) {
	// executing: best-effort poll until pickup or terminal, since the core
	// processor has no transition callback of its own.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	lastPublished := command.StateQueued
	var hbCancel context.CancelFunc
	stopHeartbeat := func() {
		if hbCancel != nil {
			hbCancel()
			hbCancel = nil
		}
	}
	defer stopHeartbeat()

	for {
		select {
		case <-cmd.Completion:
			stopHeartbeat()
			p.publishStatus(cmd)
			p.regMu.Lock()
			delete(p.pending, cmd.ID)
			p.regMu.Unlock()
			return
		case <-ticker.C:
			if s := cmd.State(); s != lastPublished {
				lastPublished = s
				p.publishStatus(cmd)
				if s == command.StateExecuting {
					var hbCtx context.Context
					hbCtx, hbCancel = context.WithCancel(context.Background())
					go p.publishHeartbeats(hbCtx, cmd)
				} else {
					stopHeartbeat()
				}
			}
		}
	}
}

// publishHeartbeats emits a commandHeartbeat notification every heartbeat
// interval until ctx is cancelled (command left Executing).
func (p *Processor) publishHeartbeats(ctx context.Context, cmd *command.Queued) {
	interval := p.core.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.bus.Publish(p.topic, notify.MethodCommandHeartbeat, CommandHeartbeatParams{
				SessionID:      p.sessionID,
				CommandID:      cmd.ID,
				ElapsedDisplay: notify.ElapsedDisplay(time.Since(start)),
			})
		}
	}
}

func (p *Processor) publishStatus(cmd *command.Queued) {
	p.bus.Publish(p.topic, notify.MethodCommandStatus, CommandStatusParams{
		SessionID: p.sessionID,
		CommandID: cmd.ID,
		State:     cmd.State(),
		Text:      cmd.Text,
	})
}

// GetCommandResult awaits cmd's completion channel directly rather than
// polling the cache, so a caller sees the first authoritative result even
// if the cache entry is later evicted. Returns bridgeerr KindNotFound if
// id is in neither the pending registry nor the tracker: it was never
// enqueued through this processor, or it has already completed (the
// pending entry is dropped once watchTransitions sees the completion, and
// the tracker entry once the command reaches a terminal state).
func (p *Processor) GetCommandResult(ctx context.Context, id string) (string, error) {
	p.regMu.Lock()
	cmd, ok := p.pending[id]
	p.regMu.Unlock()
	if !ok {
		if live, found := p.trk.Get(id); found {
			cmd = live
		} else {
			return "", bridgeerr.New(bridgeerr.KindNotFound, "unknown command id")
		}
	}
	select {
	case <-cmd.Completion:
	case <-ctx.Done():
		return "", bridgeerr.Wrap(bridgeerr.KindTimeout, "timed out waiting for command result", ctx.Err())
	}
	return cmd.CompletedValue(), nil
}

// Cancel cancels the single command id, returning false iff id is unknown
// to the underlying tracker.
func (p *Processor) Cancel(id string) bool {
	return p.core.Cancel(id)
}

// CancelAllCommands cancels every command presently tracked as live and
// returns the count cancelled.
func (p *Processor) CancelAllCommands(reason string) int {
	ids := p.trk.Snapshot()
	n := 0
	for _, id := range ids {
		if p.core.Cancel(id) {
			n++
		}
	}
	p.bus.Publish(p.topic, notify.MethodSessionEvent, map[string]any{
		"sessionId": p.sessionID,
		"event":     "cancelAll",
		"reason":    reason,
		"count":     n,
	})
	return n
}

// onSessionLost is installed as the core processor's session-lost hook. It
// is called synchronously from the processor's consume goroutine whenever
// a command fails with KindDebuggerUnavailable; it runs recovery attempts
// until one succeeds or the recovery manager's attempt budget/cooldown
// refuses another, and reports whether the caller should retry the
// command.
func (p *Processor) onSessionLost(cmd *command.Queued) bool {
	ctx := context.Background()
	success := false
	for !success && p.recov.ShouldAttempt() {
		success = p.recov.Attempt(ctx, "sessionLost", func() []string { return nil }, func(n recovery.Notification) {
			p.bus.Publish(p.topic, notify.MethodSessionRecovery, SessionRecoveryParams{
				SessionID:        p.sessionID,
				Reason:           n.Reason,
				Step:             n.Step,
				Success:          n.Success,
				AffectedCommands: n.AffectedCommands,
			})
		})
	}
	if success {
		p.recov.ResetAttempts()
	}
	p.log.Info("session-lost recovery attempted", zap.String("commandId", cmd.ID), zap.Bool("success", success))
	return success
}
