// Package manager tracks multiple concurrent sessions within one process,
// creating runners on demand and tearing them down together.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tacogips/claude-agent-sdk-go/agent"
	"github.com/tacogips/claude-agent-sdk-go/logger"
	"github.com/tacogips/claude-agent-sdk-go/session"
)

// RunnerFactory creates a runner for a session. Tests inject factories
// that substitute the transport.
type RunnerFactory func(opts agent.Options) *Runner

// Runner is the manager's view of one session.
type Runner = agent.Runner

// Manager owns a set of live runners keyed by session ID.
type Manager struct {
	log     *slog.Logger
	factory RunnerFactory

	mu      sync.Mutex
	runners map[string]*agent.Runner
}

// New creates an empty manager.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	return &Manager{
		log:     log.With("component", "manager"),
		runners: make(map[string]*agent.Runner),
	}
}

// SetRunnerFactory overrides runner construction, mainly for tests.
func (m *Manager) SetRunnerFactory(factory RunnerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = factory
}

func (m *Manager) newRunner(opts agent.Options) *agent.Runner {
	if m.factory != nil {
		return m.factory(opts)
	}
	return agent.New(opts, m.log)
}

// Create builds and registers a runner without starting it. The resolved
// session ID must not collide with a live session.
func (m *Manager) Create(opts agent.Options) (*agent.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.newRunner(opts)
	id := r.SessionID()
	if _, exists := m.runners[id]; exists {
		return nil, fmt.Errorf("session already managed: %s", id)
	}
	m.runners[id] = r
	m.log.Debug("session registered", "sessionID", id)
	return r, nil
}

// Start creates, registers, and starts a runner in one step. On start
// failure the runner is unregistered again.
func (m *Manager) Start(ctx context.Context, opts agent.Options) (*agent.Runner, error) {
	r, err := m.Create(opts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		m.Remove(r.SessionID())
		return nil, err
	}
	return r, nil
}

// Get returns the runner for a session ID, or nil.
func (m *Manager) Get(sessionID string) *agent.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[sessionID]
}

// List returns the managed session IDs in sorted order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of managed sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// ActiveCount returns the number of sessions not yet in a terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	runners := make([]*agent.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	active := 0
	for _, r := range runners {
		if !r.Machine().IsTerminal() {
			active++
		}
	}
	return active
}

// Remove stops a runner and drops it from the manager. Unknown IDs are a
// no-op.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	r, ok := m.runners[sessionID]
	if ok {
		delete(m.runners, sessionID)
	}
	m.mu.Unlock()

	if ok {
		r.Stop()
		m.log.Debug("session removed", "sessionID", sessionID)
	}
}

// StopAll stops every runner and empties the manager.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[string]*agent.Runner)
	m.mu.Unlock()

	for id, r := range runners {
		r.Stop()
		m.log.Debug("session stopped", "sessionID", id)
	}
}

// Snapshot returns the current state info of every managed session,
// keyed by session ID.
func (m *Manager) Snapshot() map[string]session.Info {
	m.mu.Lock()
	runners := make(map[string]*agent.Runner, len(m.runners))
	for id, r := range m.runners {
		runners[id] = r
	}
	m.mu.Unlock()

	out := make(map[string]session.Info, len(runners))
	for id, r := range runners {
		out[id] = r.Machine().Snapshot()
	}
	return out
}
