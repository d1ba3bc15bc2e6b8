package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/sandbox"
)

// SessionCreatedCallback is called when a new session is created.
type SessionCreatedCallback func(session *Session)

// SessionDestroyedCallback is called when a session is destroyed.
type SessionDestroyedCallback func(session *Session)

// Options describe the sessions a Manager creates.
type Options struct {
	// Dialect is used when Create is given none.
	Dialect string
	// Backend configures each session's fake backend.
	Backend fakebackend.Options
	// DeltaInterval is how often deltas are pushed to attached clients.
	DeltaInterval time.Duration
	// Seed populates a new backend before any client attaches. It runs on
	// the session's loop.
	Seed     func(state *fakebackend.State) error
	Logger   *zap.Logger
	Observer sandbox.Observer
}

// Manager manages all sessions.
type Manager struct {
	sessions           map[string]*Session
	sessionTimeout     time.Duration
	opts               Options
	onSessionCreated   SessionCreatedCallback
	onSessionDestroyed SessionDestroyedCallback
	mu                 sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager(sessionTimeout time.Duration, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialect == "" {
		opts.Dialect = sandbox.DialectPython
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		opts:           opts,
	}
}

// SetOnSessionCreated sets a callback called when a session is created.
func (m *Manager) SetOnSessionCreated(callback SessionCreatedCallback) {
	m.onSessionCreated = callback
}

// SetOnSessionDestroyed sets a callback called when a session is destroyed.
func (m *Manager) SetOnSessionDestroyed(callback SessionDestroyedCallback) {
	m.onSessionDestroyed = callback
}

// CreateSession starts a session speaking dialect, or the default dialect
// when empty, and runs the seed on it.
func (m *Manager) CreateSession(dialect string) (*Session, error) {
	if dialect == "" {
		dialect = m.opts.Dialect
	}
	id := uuid.NewString()
	logger := m.opts.Logger.With(zap.String("session", id), zap.String("dialect", dialect))
	apiOpts := []sandbox.Option{
		sandbox.WithDeltaInterval(m.opts.DeltaInterval),
		sandbox.WithLogger(logger),
	}
	if m.opts.Observer != nil {
		apiOpts = append(apiOpts, sandbox.WithObserver(m.opts.Observer))
	}
	state := fakebackend.New(m.opts.Backend)
	var api *sandbox.API
	switch dialect {
	case sandbox.DialectPython:
		api = sandbox.NewPythonAPI(state, apiOpts...)
	case sandbox.DialectGo:
		api = sandbox.NewGoAPI(state, apiOpts...)
	default:
		return nil, errors.Errorf("unknown dialect %q", dialect)
	}

	s := newSession(id, dialect, state, api, logger)
	if m.opts.Seed != nil {
		if err := s.run(func() error { return m.opts.Seed(state) }); err != nil {
			s.stop()
			return nil, errors.Wrap(err, "seeding session")
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.onSessionCreated != nil {
		m.onSessionCreated(s)
	}
	logger.Info("session created")
	return s, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// DestroySession stops a session and drops it.
func (m *Manager) DestroySession(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	session.stop()
	if m.onSessionDestroyed != nil {
		m.onSessionDestroyed(session)
	}
	session.logger.Info("session destroyed")
	return nil
}

// GetAllSessions returns all sessions, oldest first.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].GetCreatedAt().Before(sessions[j].GetCreatedAt())
	})
	return sessions
}

// CleanupInactiveSessions removes idle sessions past the timeout. Sessions
// with an attached client are kept.
func (m *Manager) CleanupInactiveSessions() int {
	if m.sessionTimeout == 0 {
		return 0
	}

	m.mu.RLock()
	cutoff := time.Now().Add(-m.sessionTimeout)
	var toRemove []string
	for id, session := range m.sessions {
		if !session.IsActive() && session.GetLastActivity().Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toRemove {
		m.DestroySession(id)
	}
	return len(toRemove)
}

// StartCleanupWorker runs CleanupInactiveSessions every interval until the
// returned stop function is called.
func (m *Manager) StartCleanupWorker(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := m.CleanupInactiveSessions(); n > 0 {
					m.opts.Logger.Info("cleaned up idle sessions", zap.Int("count", n))
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close destroys every session.
func (m *Manager) Close() {
	for _, s := range m.GetAllSessions() {
		m.DestroySession(s.ID)
	}
}
