package session

import (
	"sync"

	"go.uber.org/zap"

	"projsync/logging"
)

// StopReason explains why a session ended.
type StopReason string

const (
	StopLocalUserLeft  StopReason = "local_user_left"
	StopHostLeft       StopReason = "host_left"
	StopConnectionLost StopReason = "connection_lost"
)

// Manager owns the currently running session.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	current *Session
	onStop  []func(*Session, StopReason)
}

// NewManager returns a manager without a running session.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logging.OrDefault(logger)}
}

// Start installs s as the running session, stopping any previous one.
func (m *Manager) Start(s *Session) {
	m.mu.Lock()
	previous := m.current
	m.current = s
	m.mu.Unlock()

	if previous != nil && previous != s {
		m.finish(previous, StopLocalUserLeft)
	}
}

// Session returns the running session, if any.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnStop registers a callback invoked once per stopped session.
func (m *Manager) OnStop(fn func(*Session, StopReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = append(m.onStop, fn)
}

// StopSession ends the running session. It is a no-op without one.
func (m *Manager) StopSession(reason StopReason) {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		m.finish(current, reason)
	}
}

func (m *Manager) finish(s *Session, reason StopReason) {
	if !s.stop() {
		return
	}
	m.logger.Info("session stopped", logging.SessionID(s.ID()), logging.String("reason", string(reason)))

	m.mu.Lock()
	callbacks := append([]func(*Session, StopReason){}, m.onStop...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(s, reason)
	}
}
