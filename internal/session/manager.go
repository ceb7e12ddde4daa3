package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned by [Manager.Serve] once [Manager.Shutdown] has
// been called.
var ErrShuttingDown = errors.New("session: manager is shutting down")

// Info describes a running session.
type Info struct {
	ID        string
	StartedAt time.Time
}

type activeSession struct {
	info   Info
	cancel context.CancelFunc
}

// Manager tracks the sessions served by the process. It lets a config reload
// swap the [Orchestrator] used for new sessions and lets shutdown end every
// running session. All methods are safe for concurrent use.
type Manager struct {
	orch atomic.Pointer[Orchestrator]

	mu       sync.Mutex
	sessions map[string]activeSession
	closing  bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager serving new sessions with orch.
func NewManager(orch *Orchestrator) *Manager {
	m := &Manager{sessions: make(map[string]activeSession)}
	m.orch.Store(orch)
	return m
}

// SetOrchestrator replaces the orchestrator used by sessions started after
// the call. Running sessions keep theirs.
func (m *Manager) SetOrchestrator(orch *Orchestrator) {
	m.orch.Store(orch)
}

// Serve runs a session on conn and blocks until it ends.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.sessions[id] = activeSession{info: Info{ID: id, StartedAt: time.Now().UTC()}, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	return m.orch.Load().RunSession(ctx, id, conn)
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the running sessions.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	return out
}

// Shutdown refuses new sessions, cancels the running ones and waits for them
// to end or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	n := len(m.sessions)
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()

	if n > 0 {
		slog.Info("session: ending active sessions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
