// Package session runs sandbox sessions. Each session owns a fake backend,
// the API that serves it and the loop every call on them goes through.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/loop"
	"github.com/zot/sandbox/internal/sandbox"
)

// ErrSessionClosed is returned by calls on a destroyed session.
var ErrSessionClosed = errors.New("session is closed")

// Session is one simulated environment.
type Session struct {
	ID      string
	Dialect string

	loop   *loop.Loop
	cancel context.CancelFunc
	done   chan struct{}
	state  *fakebackend.State
	api    *sandbox.API
	logger *zap.Logger

	clients      int
	createdAt    time.Time
	lastActivity time.Time
	mu           sync.RWMutex
}

func newSession(id, dialect string, state *fakebackend.State, api *sandbox.API, logger *zap.Logger) *Session {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		Dialect:      dialect,
		loop:         loop.New(),
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        state,
		api:          api,
		logger:       logger,
		createdAt:    now,
		lastActivity: now,
	}
	go func() {
		defer close(s.done)
		s.loop.Run(ctx)
	}()
	return s
}

// Do runs fn on the session's loop with exclusive access to the backend.
func (s *Session) Do(fn func(state *fakebackend.State) error) error {
	s.Touch()
	return s.run(func() error { return fn(s.state) })
}

func (s *Session) run(fn func() error) error {
	err := s.loop.Sync(fn)
	if errors.Is(err, loop.ErrStopped) {
		return ErrSessionClosed
	}
	return err
}

// Export returns the environment as a snapshot document. Operator calls
// like this one do not need a client login.
func (s *Session) Export() (*fakebackend.Snapshot, error) {
	var snap *fakebackend.Snapshot
	err := s.Do(func(state *fakebackend.State) error {
		return state.Sudo(func() error {
			var err error
			snap, err = state.Export()
			return err
		})
	})
	return snap, err
}

// Import loads a JSON or YAML snapshot document into the environment.
func (s *Session) Import(data []byte) error {
	return s.Do(func(state *fakebackend.State) error {
		return state.Sudo(func() error { return state.Import(data) })
	})
}

// FlushDelta pushes pending changes to the attached client now instead of
// at the next timer tick.
func (s *Session) FlushDelta() error {
	return s.run(func() error {
		s.api.SendDelta()
		return nil
	})
}

// Client is one attached connection. Frames the API produces are handed to
// the deliver function given to Connect, on the session's loop.
type Client struct {
	session *Session
	conn    *sandbox.ClientConnection
	once    sync.Once
}

// Connect binds a new client. It fails with sandbox.ErrOpenToAnotherClient
// while another client is attached.
func (s *Session) Connect(deliver func(data string)) (*Client, error) {
	c := &Client{session: s}
	err := s.run(func() error {
		conn := sandbox.NewClientConnection(s.api, s.loop)
		conn.OnMessage = func(ev sandbox.MessageEvent) { deliver(ev.Data) }
		if err := conn.Open(); err != nil {
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.clients++
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.logger.Debug("client attached", zap.String("session", s.ID))
	return c, nil
}

// Send hands one frame from the client to the API.
func (c *Client) Send(data []byte) error {
	c.session.Touch()
	return c.session.run(func() error { return c.conn.Send(data) })
}

// Close detaches the client. Closing twice does nothing.
func (c *Client) Close() {
	c.once.Do(func() {
		if err := c.session.run(func() error {
			c.conn.Close()
			return nil
		}); err != nil && !errors.Is(err, ErrSessionClosed) {
			c.session.logger.Warn("closing client", zap.Error(err))
		}
		c.session.mu.Lock()
		c.session.clients--
		c.session.lastActivity = time.Now()
		c.session.mu.Unlock()
		c.session.logger.Debug("client detached", zap.String("session", c.session.ID))
	})
}

// IsActive reports whether a client is attached.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients > 0
}

// Touch updates the lastActivity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// GetCreatedAt returns the session creation time.
func (s *Session) GetCreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// GetLastActivity returns the last activity time.
func (s *Session) GetLastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info summarizes a session for listings.
type Info struct {
	ID           string    `json:"id"`
	Dialect      string    `json:"dialect"`
	Active       bool      `json:"active"`
	Services     int       `json:"services"`
	Units        int       `json:"units"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Info describes the session.
func (s *Session) Info() (Info, error) {
	info := Info{
		ID:           s.ID,
		Dialect:      s.Dialect,
		Active:       s.IsActive(),
		CreatedAt:    s.GetCreatedAt(),
		LastActivity: s.GetLastActivity(),
	}
	err := s.run(func() error {
		info.Services = len(s.state.Services())
		info.Units = len(s.state.Units(""))
		return nil
	})
	return info, err
}

// stop closes any attached connection and ends the loop.
func (s *Session) stop() {
	err := s.run(func() error {
		if conn := s.api.Client(); conn != nil {
			conn.Close()
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("closing session connection", zap.Error(err))
	}
	s.loop.Stop()
	s.cancel()
	<-s.done
}
