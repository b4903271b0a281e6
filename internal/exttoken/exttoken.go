// Package exttoken implements the extension callback capability token
// registry: short-lived opaque tokens binding a (sessionId, commandId)
// pair so an external extension script can call back into the bridge
// without presenting anything resembling a bearer credential for the
// primary API.
//
// Grounded on the uuid.New().String() id-minting pattern used throughout
// the lifecycle manager (internal/agent/lifecycle/manager.go) for
// execution/message/thinking ids, generalized here into a process-wide
// registry instead of a single manager's in-memory maps.
package exttoken

import (
	"strings"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/google/uuid"
)

// tokenPrefix marks every token minted by this registry, so a bearer token
// string is recognizable in logs without looking it up.
const tokenPrefix = "ext_"

// DefaultTTL is how long a token remains valid after Create.
const DefaultTTL = 5 * time.Minute

// cleanupCooldown bounds how often Create's opportunistic sweep runs.
const cleanupCooldown = 5 * time.Minute

type tokenEntry struct {
	sessionID string
	commandID string
	expiresAt time.Time
	revoked   bool
}

func (e *tokenEntry) liveAt(now time.Time) bool {
	return !e.revoked && now.Before(e.expiresAt)
}

// Registry issues, validates, and revokes extension callback tokens. It is
// process-wide: one Registry instance outlives every individual debugger
// session and is shared by all of them, matching design note §9's "model
// as an injected singleton behind a capability; lifetime matches the
// process".
type Registry struct {
	ttl time.Duration

	mu            sync.Mutex
	tokens        map[string]*tokenEntry
	bySession     map[string]map[string]struct{}
	lastCleanup   time.Time
}

// New creates an empty Registry. ttl <= 0 falls back to DefaultTTL.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:       ttl,
		tokens:    make(map[string]*tokenEntry),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Create mints a new token bound to (sessionID, commandID). Both must be
// non-empty. Opportunistically sweeps expired/revoked entries if
// cleanupCooldown has elapsed since the last sweep.
func (r *Registry) Create(sessionID, commandID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(commandID) == "" {
		return "", bridgeerr.New(bridgeerr.KindInvalidArgument, "sessionID and commandID must be non-empty")
	}

	token := tokenPrefix + uuid.New().String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens[token] = &tokenEntry{
		sessionID: sessionID,
		commandID: commandID,
		expiresAt: now.Add(r.ttl),
	}
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[sessionID] = set
	}
	set[token] = struct{}{}

	if now.Sub(r.lastCleanup) >= cleanupCooldown {
		r.cleanupLocked(now)
	}

	return token, nil
}

// Validate reports whether token is currently valid (known, not expired,
// not revoked), along with the sessionID/commandID it was bound to.
func (r *Registry) Validate(token string) (valid bool, sessionID, commandID string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, "", ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[token]
	if !ok || !e.liveAt(time.Now()) {
		return false, "", ""
	}
	return true, e.sessionID, e.commandID
}

// Revoke invalidates a single token. Revoking an unknown token is a no-op.
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tokens[token]; ok {
		e.revoked = true
	}
}

// RevokeForSession invalidates every token bound to sessionID, typically
// called as part of that session's teardown.
func (r *Registry) RevokeForSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token := range r.bySession[sessionID] {
		if e, ok := r.tokens[token]; ok {
			e.revoked = true
		}
	}
}

// cleanupLocked removes expired and revoked entries. Must be called with
// mu held.
func (r *Registry) cleanupLocked(now time.Time) {
	r.lastCleanup = now
	for token, e := range r.tokens {
		if e.liveAt(now) {
			continue
		}
		delete(r.tokens, token)
		if set, ok := r.bySession[e.sessionID]; ok {
			delete(set, token)
			if len(set) == 0 {
				delete(r.bySession, e.sessionID)
			}
		}
	}
}

// Close revokes every outstanding token. Intended for process teardown,
// matching design note §9's "teardown revokes all tokens".
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tokens {
		e.revoked = true
	}
}
