// Package command defines the data model shared by the queue, cache,
// tracker, and processor: a queued debugger command, its terminal result,
// and the cached/external views derived from both.
package command

import (
	"context"
	"sync"
	"time"
)

// State is a command's position in the lifecycle state machine.
//
//	Queued --pickup--> Executing --result--> Completed
//	                        |--timeout-----> Failed
//	                        |--userCancel--> Cancelled
//	                        |--exception---> Failed
//
// Completed, Failed, and Cancelled are all terminal (absorbing) states.
type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsTerminal reports whether s is one of the absorbing states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Result is the immutable outcome of executing a command. Once constructed
// it is never mutated; Cached is the only place a result is wrapped
// with mutable bookkeeping.
type Result struct {
	Success      bool
	Output       string
	ErrorMessage string
	Duration     time.Duration
	Data         map[string]any
}

// Success builds a successful Result.
func Success(output string, duration time.Duration) Result {
	return Result{Success: true, Output: output, Duration: duration}
}

// Failure builds a failed Result with the given message.
func Failure(message string, duration time.Duration) Result {
	return Result{Success: false, ErrorMessage: message, Duration: duration}
}

// Queued is a single command in flight through the pipeline: an immutable
// identity plus the mutable progress fields the processor advances.
//
// Invariants: Id is unique within a session for the process lifetime; State
// transitions follow the machine documented on the State type; Completion
// is closed at most once (guarded by completeOnce).
type Queued struct {
	ID        string
	Text      string
	QueueTime time.Time

	// Seq is a per-session monotonically increasing enqueue sequence,
	// used only to recover FIFO queue position for status queries (the
	// tracker's map has no intrinsic order).
	Seq int64

	// Completion carries the final output string to every waiter. It is
	// closed, not merely sent on, so any number of consumers can read the
	// same value after the fact.
	Completion chan string

	// CancelFunc triggers this command's own cancellation source. Ctx is
	// the context that CancelFunc cancels; callers executing the command
	// select on Ctx.Done() to notice a per-command cancel.
	Ctx        context.Context
	CancelFunc context.CancelFunc

	mu             sync.Mutex
	state          State
	completeOnce   sync.Once
	completedValue string
}

// New creates a Queued command in state Queued with a fresh cancellation
// source derived from parent.
func New(id, text string, parent context.Context, queueTime time.Time) *Queued {
	ctx, cancel := context.WithCancel(parent)
	return &Queued{
		ID:         id,
		Text:       text,
		QueueTime:  queueTime,
		Completion: make(chan string),
		Ctx:        ctx,
		CancelFunc: cancel,
		state:      StateQueued,
	}
}

// State returns the command's current lifecycle state.
func (q *Queued) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SetState transitions the command to s. Callers are expected to only call
// this from the single processor goroutine that owns the command, so no
// transition validation is performed here beyond recording the new state.
func (q *Queued) SetState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// TryComplete closes Completion with value exactly once; subsequent calls
// are no-ops. Safe to call from multiple goroutines (e.g. a retry after a
// completion attempt failed).
func (q *Queued) TryComplete(value string) {
	q.completeOnce.Do(func() {
		q.completedValue = value
		close(q.Completion)
	})
}

// CompletedValue returns the value TryComplete closed Completion with.
// Only meaningful after a receive from (or close detection on) Completion;
// the happens-before relationship of the channel close makes this safe to
// read without additional synchronization at that point.
func (q *Queued) CompletedValue() string {
	return q.completedValue
}

// Cancelled reports whether the command's own cancellation source (as
// opposed to a timeout or shutdown further up the linked chain) has fired.
func (q *Queued) Cancelled() bool {
	select {
	case <-q.Ctx.Done():
		return true
	default:
		return false
	}
}

// Cached is a completed command's result plus the bookkeeping needed to
// answer status queries after the tracker entry has been removed.
type Cached struct {
	Result          Result
	CreatedAt       time.Time
	LastAccessAt    time.Time
	OriginalCommand string
	QueueTime       time.Time
	StartTime       time.Time
	EndTime         time.Time
}

// Info is the external, read-only view of a queued or executing command.
type Info struct {
	ID            string
	Text          string
	State         State
	QueueTime     time.Time
	Elapsed       time.Duration
	Remaining     time.Duration
	QueuePosition int
	IsCompleted   bool
}
