// Package notify implements the topic-addressed notification bus that
// carries outward-facing events (command status, heartbeats, session
// recovery, server health) from the command pipeline to observers such as
// the websocket relay.
//
// Grounded on the topic/subscriber registry in the in-memory event bus
// (internal/events/bus/memory.go), narrowed from its NATS-style wildcard
// subject matching and queue-group load balancing -- this bus always has
// exactly one logical subscriber set per topic (the session's own relay)
// and no cross-process delivery, so both features would be unused
// complexity here.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"go.uber.org/zap"
)

// ElapsedDisplay formats d the way heartbeat notifications render elapsed
// time: the single largest whole unit that fits (day, hour, minute), or
// seconds with one fractional digit when d is under a minute and not a
// whole number of seconds.
func ElapsedDisplay(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int64(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	default:
		secs := d.Seconds()
		if secs == float64(int64(secs)) {
			return fmt.Sprintf("%ds", int64(secs))
		}
		return fmt.Sprintf("%.1fs", secs)
	}
}

// Notification methods, mirroring the MCP-style notification surface.
const (
	MethodCommandStatus    = "notifications/commandStatus"
	MethodCommandHeartbeat = "notifications/commandHeartbeat"
	MethodSessionEvent     = "notifications/sessionEvent"
	MethodSessionRecovery  = "notifications/sessionRecovery"
	MethodServerHealth     = "notifications/serverHealth"
	MethodToolsListChanged = "notifications/toolsListChanged"
)

// Notification is one topic-addressed record.
type Notification struct {
	Method string
	Params any
}

// Handler receives notifications published to a topic it subscribed to.
// Handlers for a single topic always run sequentially and in publish
// order; handlers are never invoked concurrently with one another on the
// same topic.
type Handler func(Notification)

// Bus is a topic -> handlers registry. A dedicated dispatch goroutine per
// topic serializes delivery to that topic's handlers, while distinct
// topics fan out and deliver concurrently with one another.
type Bus struct {
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	queues   map[string]chan Notification
	closed   bool
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		log:      log.WithFields(zap.String("component", "notify")),
		handlers: make(map[string][]Handler),
		queues:   make(map[string]chan Notification),
	}
}

// Subscribe registers handler for every notification published to topic
// from now on.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.ensureQueueLocked(topic)
}

// ensureQueueLocked lazily starts the per-topic dispatch goroutine. Must be
// called with mu held.
func (b *Bus) ensureQueueLocked(topic string) {
	if _, ok := b.queues[topic]; ok {
		return
	}
	q := make(chan Notification, 64)
	b.queues[topic] = q
	go b.dispatch(topic, q)
}

// dispatch is the sole consumer of topic's queue; it runs each handler
// registered for topic in order before moving to the next notification, so
// one slow handler throttles only its own topic.
func (b *Bus) dispatch(topic string, q chan Notification) {
	for n := range q {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.RUnlock()
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.Warn("notification handler panicked",
							zap.String("topic", topic), zap.Any("recovered", r))
					}
				}()
				h(n)
			}()
		}
	}
}

// Publish enqueues a notification for topic. It is a no-op (but safe) if
// the bus has been closed or nothing has ever subscribed to topic.
func (b *Bus) Publish(topic, method string, params any) {
	// The read lock is held through the non-blocking send so Close cannot
	// close q between the lookup and the send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	q, ok := b.queues[topic]
	if !ok {
		return
	}
	select {
	case q <- Notification{Method: method, Params: params}:
	default:
		b.log.Warn("notification queue full, dropping", zap.String("topic", topic), zap.String("method", method))
	}
}

// Close stops accepting new subscriptions and publications and shuts down
// every per-topic dispatch goroutine once its queue drains.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.handlers = make(map[string][]Handler)
	b.queues = make(map[string]chan Notification)
}
