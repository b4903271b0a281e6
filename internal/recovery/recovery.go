// Package recovery implements the health probe and restart policy that sit
// between a command pipeline and its debugger session: a cached health
// check, a cooldown/backoff gate on how often a restart may be attempted,
// and the recovery step itself (cancel in-flight work, wait out a backoff
// delay, delegate to the session's own restart, report the outcome).
//
// Grounded on the health-check caching and backoff pattern in the
// orchestrator's worker supervisor, narrowed to a single debugger session
// rather than a pool of worker processes.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"go.uber.org/zap"
)

// HealthProbe reports whether the underlying debugger session is presently
// active. Implemented by debugger.Session.
type HealthProbe interface {
	IsActive() bool
}

// Recoverer performs the actual session restart. Implemented by whatever
// owns the debugger.Session's lifecycle (the session wiring), so this
// package never imports the debugger package directly.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// CancelInFlightFunc cancels whatever command is presently executing and
// returns the ids it affected.
type CancelInFlightFunc func() []string

// Notification is published after a recovery attempt, successful or not.
type Notification struct {
	Reason           string
	Step             string
	Success          bool
	AffectedCommands []string
}

// NotifyFunc receives recovery notifications. May be nil.
type NotifyFunc func(Notification)

// Config controls the restart backoff/cooldown policy. Probe results are
// cached for the fixed healthCacheTTL; HealthCheckInterval is not read by
// Manager.
type Config struct {
	CancellationTimeout     time.Duration
	RestartDelay            time.Duration
	HealthCheckInterval     time.Duration
	MaxRecoveryAttempts     int
	RecoveryAttemptCooldown time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CancellationTimeout:     5 * time.Second,
		RestartDelay:            2 * time.Second,
		HealthCheckInterval:     60 * time.Second,
		MaxRecoveryAttempts:     3,
		RecoveryAttemptCooldown: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CancellationTimeout <= 0 {
		c.CancellationTimeout = d.CancellationTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	// A zero cooldown is kept as is: it means no wait between attempts.
	if c.RecoveryAttemptCooldown < 0 {
		c.RecoveryAttemptCooldown = d.RecoveryAttemptCooldown
	}
	return c
}

const healthCacheTTL = 30 * time.Second

// Manager observes a debugger session's health and decides when a restart
// should be attempted. It holds no reference to a command queue; callers
// supply a CancelInFlightFunc at attempt time instead, so this package has
// no dependency on the processor package.
type Manager struct {
	log       *logger.Logger
	cfg       Config
	probe     HealthProbe
	recoverer Recoverer

	healthMu    sync.Mutex
	lastCheck   time.Time
	cachedOK    bool

	attemptMu       sync.Mutex
	attemptCount    int
	lastAttemptTime time.Time
}

// New creates a Manager observing probe and delegating restarts to
// recoverer.
func New(log *logger.Logger, cfg Config, probe HealthProbe, recoverer Recoverer) *Manager {
	return &Manager{
		log:       log.WithFields(zap.String("component", "recovery")),
		cfg:       cfg.withDefaults(),
		probe:     probe,
		recoverer: recoverer,
	}
}

// IsHealthy returns the cached health result if the last check was within
// healthCacheTTL; otherwise it re-probes and caches the new result.
func (m *Manager) IsHealthy() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if time.Since(m.lastCheck) < healthCacheTTL {
		return m.cachedOK
	}
	m.cachedOK = m.probe.IsActive()
	m.lastCheck = time.Now()
	return m.cachedOK
}

// IsResponsive is IsHealthy guarded against a panicking probe, treating any
// recovered panic as unhealthy rather than propagating it.
func (m *Manager) IsResponsive() (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("health probe panicked", zap.Any("recovered", r))
			healthy = false
		}
	}()
	return m.IsHealthy()
}

// ShouldAttempt reports whether a recovery attempt is permitted right now:
// fewer than MaxRecoveryAttempts have been made, and at least
// RecoveryAttemptCooldown has elapsed since the last one.
func (m *Manager) ShouldAttempt() bool {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	return m.shouldAttemptLocked()
}

func (m *Manager) shouldAttemptLocked() bool {
	if m.attemptCount >= m.cfg.MaxRecoveryAttempts {
		return false
	}
	if m.lastAttemptTime.IsZero() {
		return true
	}
	return time.Since(m.lastAttemptTime) >= m.cfg.RecoveryAttemptCooldown
}

// ResetAttempts clears the attempt counter, typically called after a
// successful recovery so a later, unrelated incident gets a fresh budget.
func (m *Manager) ResetAttempts() {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	m.attemptCount = 0
	m.lastAttemptTime = time.Time{}
}

// Attempt performs one recovery step: cancel in-flight work, wait out the
// exponential backoff delay for this attempt number, delegate to the
// Recoverer, and publish a Notification describing the outcome. It returns
// false without attempting anything if ShouldAttempt is false.
func (m *Manager) Attempt(ctx context.Context, reason string, cancelInFlight CancelInFlightFunc, notify NotifyFunc) bool {
	m.attemptMu.Lock()
	if !m.shouldAttemptLocked() {
		m.attemptMu.Unlock()
		return false
	}
	m.attemptCount++
	attempt := m.attemptCount
	m.lastAttemptTime = time.Now()
	m.attemptMu.Unlock()

	var affected []string
	if cancelInFlight != nil {
		affected = cancelInFlight()
	}
	publish(notify, reason, "cancelInFlight", true, affected)

	delay := backoffDelay(m.cfg.RestartDelay, attempt)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		publish(notify, reason, "restartDelay", false, affected)
		return false
	}
	publish(notify, reason, "restartDelay", true, affected)

	recoverCtx, cancel := context.WithTimeout(ctx, m.cfg.CancellationTimeout)
	defer cancel()
	err := m.recoverer.Recover(recoverCtx)
	success := err == nil
	if success {
		m.healthMu.Lock()
		m.cachedOK = true
		m.lastCheck = time.Now()
		m.healthMu.Unlock()
	} else {
		m.log.Warn("session recovery attempt failed", zap.Error(err), zap.Int("attempt", attempt))
	}
	publish(notify, reason, "recover", success, affected)
	return success
}

func publish(notify NotifyFunc, reason, step string, success bool, affected []string) {
	if notify == nil {
		return
	}
	notify(Notification{Reason: reason, Step: step, Success: success, AffectedCommands: affected})
}

// backoffDelay computes base * 2^(attempt-1) for attempt >= 1.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
