// Package session wires the command pipeline components (queue, processor,
// cache, tracker, debugger session) into the single concrete type the rest
// of the bridge talks to. A Session owns exactly one debugger child
// process and everything needed to drive commands through it; the
// Manager (manager.go) is the only thing allowed to create or
// destroy one.
//
// Grounded on the agent lifecycle Session's role as "the thing that owns
// one running agent instance and every queue/store around it"
// (internal/agent/lifecycle/session.go), narrowed from a multi-backend
// agent runtime down to one debugger child process per session.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/resilient"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/tracker"
	"github.com/google/uuid"
)

// Config bundles the per-component configuration a Session's pipeline is
// built from.
type Config struct {
	Debugger  debugger.Config
	Processor processor.Config
	Cache     cache.Config
	Recovery  recovery.Config
}

// Session owns one debugger child process and the queue/processor/cache/
// tracker pipeline that drives commands through it. The zero value is not
// usable; sessions are built only by Manager.Create.
type Session struct {
	id       string
	log      *logger.Logger
	target   string
	args     []string
	cfg      Config
	debugger *debugger.Session
	cache    *cache.Cache
	tracker  *tracker.Tracker
	core     *processor.Processor
	resil    *resilient.Processor
	bus      *notify.Bus
	topic    string

	seq      atomic.Int64
	disposed atomic.Bool
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Recover implements recovery.Recoverer: it restarts the debugger child
// process against the same target/args this session was created with.
func (s *Session) Recover(ctx context.Context) error {
	return s.debugger.Start(ctx, s.target, s.args)
}

// Enqueue submits text as a new command. It rejects empty/whitespace text
// and returns bridgeerr.KindDisposed once the session has been torn down.
func (s *Session) Enqueue(text string) (string, error) {
	if s.disposed.Load() {
		return "", bridgeerr.New(bridgeerr.KindDisposed, "session is disposed")
	}
	if isBlank(text) {
		return "", bridgeerr.New(bridgeerr.KindInvalidArgument, "command text must not be empty")
	}

	id := uuid.New().String()
	cmd := command.New(id, text, context.Background(), time.Now())
	cmd.Seq = s.seq.Add(1)

	if err := s.resil.Enqueue(cmd); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel cancels a single command by id.
func (s *Session) Cancel(id string) bool {
	return s.resil.Cancel(id)
}

// CancelAll cancels every command presently live and returns the count.
func (s *Session) CancelAll(reason string) int {
	if reason == "" {
		reason = "cancelAll requested"
	}
	return s.resil.CancelAllCommands(reason)
}

// GetCommandState returns the current lifecycle state of id. If id has
// already completed and dropped out of the tracker, the cache is
// consulted as a fallback so a late poll still sees a terminal state:
// Completed for a successful cached result and Failed for any failed one.
// A cancelled command also reads as Failed from the cache, since the
// cached result does not record the Cancelled state.
func (s *Session) GetCommandState(id string) (command.State, bool) {
	if cmd, ok := s.tracker.Get(id); ok {
		return cmd.State(), true
	}
	if cached, ok := s.cache.GetWithMetadata(id); ok {
		if cached.Result.Success {
			return command.StateCompleted, true
		}
		return command.StateFailed, true
	}
	return "", false
}

// GetCommandInfo returns the external view of id: text, state, timing, and
// queue position. Queue position is only meaningful while the command is
// still Queued; it is 0 once Executing or terminal.
func (s *Session) GetCommandInfo(id string) (command.Info, bool) {
	cmd, ok := s.tracker.Get(id)
	if !ok {
		return command.Info{}, false
	}
	now := time.Now()
	state := cmd.State()
	elapsed := now.Sub(cmd.QueueTime)
	remaining := s.cfg.Processor.CommandTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return command.Info{
		ID:            cmd.ID,
		Text:          cmd.Text,
		State:         state,
		QueueTime:     cmd.QueueTime,
		Elapsed:       elapsed,
		Remaining:     remaining,
		QueuePosition: s.queuePosition(cmd),
		IsCompleted:   state.IsTerminal(),
	}, true
}

// queuePosition counts how many still-queued commands were enqueued ahead
// of cmd, using the per-session Seq counter since the tracker's backing
// map carries no order of its own.
func (s *Session) queuePosition(cmd *command.Queued) int {
	if cmd.State() != command.StateQueued {
		return 0
	}
	pos := 0
	for _, id := range s.tracker.Snapshot() {
		other, ok := s.tracker.Get(id)
		if !ok || other.ID == cmd.ID {
			continue
		}
		if other.State() == command.StateQueued && other.Seq < cmd.Seq {
			pos++
		}
	}
	return pos
}

// QueueStatusEntry is one row of GetQueueStatus's result.
type QueueStatusEntry struct {
	ID          string
	Text        string
	QueueTime   time.Time
	StatusLabel string
}

// GetQueueStatus lists every command presently live (queued or executing),
// ordered by enqueue sequence.
func (s *Session) GetQueueStatus() []QueueStatusEntry {
	ids := s.tracker.Snapshot()
	cmds := make([]*command.Queued, 0, len(ids))
	for _, id := range ids {
		if cmd, ok := s.tracker.Get(id); ok {
			cmds = append(cmds, cmd)
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Seq < cmds[j].Seq })

	entries := make([]QueueStatusEntry, 0, len(cmds))
	for _, cmd := range cmds {
		entries = append(entries, QueueStatusEntry{
			ID:          cmd.ID,
			Text:        cmd.Text,
			QueueTime:   cmd.QueueTime,
			StatusLabel: string(cmd.State()),
		})
	}
	return entries
}

// GetCommandResult awaits id's completion and returns its output. It
// returns bridgeerr.KindDisposed if the session has been disposed and
// bridgeerr.KindNotFound if id was never enqueued on this session or has
// already completed and been dropped from the live registries.
func (s *Session) GetCommandResult(ctx context.Context, id string) (string, error) {
	if s.disposed.Load() {
		return "", bridgeerr.New(bridgeerr.KindDisposed, "session is disposed")
	}
	return s.resil.GetCommandResult(ctx, id)
}

// GetCachedResultWithMetadata returns the full cached entry for id, if
// present.
func (s *Session) GetCachedResultWithMetadata(id string) (command.Cached, bool) {
	return s.cache.GetWithMetadata(id)
}

// CacheStatistics reports the session's result cache occupancy.
func (s *Session) CacheStatistics() cache.Stats {
	return s.cache.Statistics()
}

// Counters reports the session's terminal-state counters.
func (s *Session) Counters() tracker.Counters {
	return s.tracker.Counters()
}

// Dispose runs the documented shutdown sequence: stop accepting new
// commands, drain and cancel whatever is in flight, then tear down the
// debugger child process. Safe to call more than once.
func (s *Session) Dispose(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.resil.Dispose()
	s.debugger.Dispose()
	s.bus.Publish(s.topic, notify.MethodSessionEvent, map[string]any{
		"sessionId": s.id,
		"event":     "disposed",
	})
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// topicFor derives the notification topic for sessionID.
func topicFor(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}
