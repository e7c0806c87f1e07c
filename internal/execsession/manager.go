package execsession

import (
	"sync"

	"github.com/sandboxrun/execcore/internal/sandbox"
)

// Manager is the Orchestrator's session registry for open_exec_session /
// write_exec_session / close_exec_session: sessions persist across calls,
// keyed by the id the caller used to open them.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ExecSession
}

// NewManager constructs an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*ExecSession)}
}

// Open spawns a new session under plan and registers it under processID.
func (m *Manager) Open(processID string, plan *sandbox.AttemptPlan, tty bool) (*ExecSession, error) {
	sess, err := StartSession(SessionOpts{ProcessID: processID, Plan: plan, TTY: tty})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[processID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session registered under processID, if any.
func (m *Manager) Get(processID string) (*ExecSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[processID]
	return sess, ok
}

// Close terminates and unregisters the session under processID. Returns
// false if no such session is open.
func (m *Manager) Close(processID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[processID]
	delete(m.sessions, processID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	return true
}

// CloseAll terminates every open session, for orchestrator shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*ExecSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
