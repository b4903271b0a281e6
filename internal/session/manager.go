package session

import (
	"context"
	"sync"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/cache"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/debugger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/processor"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/resilient"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/tracker"
	"go.uber.org/zap"
)

// Manager creates and destroys Sessions by id. It is the only component
// permitted to call a Session into existence or tear one down -- the core
// pipeline components never create a Session themselves, matching §3's
// "Sessions are created and destroyed by an outer manager".
type Manager struct {
	log *logger.Logger
	bus *notify.Bus
	cfg Config

	// OnSessionTopic, if set, is called once a new session's notification
	// topic exists (before its debugger process finishes starting), so an
	// observer (e.g. the websocket relay) can subscribe before anything is
	// published.
	OnSessionTopic func(topic string)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager. cfg supplies the defaults every new
// Session's pipeline is built from; Create may be extended with per-call
// overrides in the future without breaking this signature.
func NewManager(log *logger.Logger, bus *notify.Bus, cfg Config) *Manager {
	return &Manager{
		log:      log.WithFields(zap.String("component", "session-manager")),
		bus:      bus,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new debugger child process for target/args and wires up
// its command pipeline under sessionID. It returns bridgeerr.KindInvalidArgument
// if sessionID is already in use.
func (m *Manager) Create(ctx context.Context, sessionID, target string, args []string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.KindInvalidArgument, "session id already in use: "+sessionID)
	}
	// Reserve the slot before releasing the lock so a racing Create for the
	// same id fails instead of clobbering this one mid-construction.
	m.sessions[sessionID] = nil
	m.mu.Unlock()

	sess, err := m.build(ctx, sessionID, target, args)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) build(ctx context.Context, sessionID, target string, args []string) (*Session, error) {
	sessLog := m.log.WithFields(zap.String("sessionId", sessionID))
	topic := topicFor(sessionID)
	if m.OnSessionTopic != nil {
		m.OnSessionTopic(topic)
	}

	dbg := debugger.New(sessLog, m.cfg.Debugger)
	if err := dbg.Start(ctx, target, args); err != nil {
		return nil, err
	}

	c := cache.New(m.cfg.Cache)
	trk := tracker.New()
	core := processor.New(sessLog, m.cfg.Processor, dbg, c, trk)

	sess := &Session{
		id:       sessionID,
		log:      sessLog,
		target:   target,
		args:     args,
		cfg:      m.cfg,
		debugger: dbg,
		cache:    c,
		tracker:  trk,
		core:     core,
		bus:      m.bus,
		topic:    topic,
	}

	recov := recovery.New(sessLog, m.cfg.Recovery, dbg, sess)
	sess.resil = resilient.New(sessLog, sessionID, core, recov, trk, m.bus, topic)

	go core.Run()

	return sess, nil
}

// Get returns the live session for sessionID, if any.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok && sess != nil
}

// Destroy disposes and removes sessionID. It is a no-op if sessionID is
// unknown.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return nil
	}
	return sess.Dispose(ctx)
}

// DestroyAll tears down every live session, used at process shutdown.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
