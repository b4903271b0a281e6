// Package tracker holds the in-memory registry of commands currently live
// in a session: a concurrent id -> command.Queued map, a "current command"
// slot, and terminal-state counters. Grounded on the lookup-by-id map
// pattern in the orchestrator's priority queue (taskMap), narrowed to a
// plain unordered registry since the command pipeline has no priority
// dimension to preserve.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
)

// Tracker is safe for concurrent use. All operations are non-blocking: the
// map is guarded by a narrow RWMutex held only for the duration of a
// lookup/insert/delete, and the counters are plain atomics.
type Tracker struct {
	mu       sync.RWMutex
	commands map[string]*command.Queued
	current  atomic.Pointer[command.Queued]

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{commands: make(map[string]*command.Queued)}
}

// Add registers a command as live.
func (t *Tracker) Add(cmd *command.Queued) {
	t.mu.Lock()
	t.commands[cmd.ID] = cmd
	t.mu.Unlock()
}

// Get returns the live command for id, if any.
func (t *Tracker) Get(id string) (*command.Queued, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[id]
	return cmd, ok
}

// TryRemove removes id from the registry and returns the removed command,
// if it was present. The cache entry (if any) is left untouched -- callers
// remove the tracker entry only after the terminal result has been cached.
func (t *Tracker) TryRemove(id string) (*command.Queued, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[id]
	if !ok {
		return nil, false
	}
	delete(t.commands, id)
	return cmd, true
}

// SetCurrent records which command the processor is presently executing.
// Pass nil to clear the slot.
func (t *Tracker) SetCurrent(cmd *command.Queued) {
	t.current.Store(cmd)
}

// Current returns the command presently executing, if any.
func (t *Tracker) Current() (*command.Queued, bool) {
	cmd := t.current.Load()
	if cmd == nil {
		return nil, false
	}
	return cmd, true
}

// Snapshot returns every live command id, in no particular order. Intended
// for callers (e.g. CancelAll) that need a point-in-time view to iterate
// without holding the tracker's lock.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.commands))
	for id := range t.commands {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live commands.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commands)
}

// IncCompleted, IncFailed, and IncCancelled bump the matching terminal
// counter. The processor calls exactly one of these per command.
func (t *Tracker) IncCompleted() { t.completed.Add(1) }
func (t *Tracker) IncFailed()    { t.failed.Add(1) }
func (t *Tracker) IncCancelled() { t.cancelled.Add(1) }

// Counters is a point-in-time read of the terminal-state counters.
type Counters struct {
	Completed int64
	Failed    int64
	Cancelled int64
}

// Counters returns the current terminal-state counts.
func (t *Tracker) Counters() Counters {
	return Counters{
		Completed: t.completed.Load(),
		Failed:    t.failed.Load(),
		Cancelled: t.cancelled.Load(),
	}
}
