// Package server exposes sandbox sessions over websockets and a small REST
// API for session and snapshot management.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/config"
	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/metrics"
	"github.com/zot/sandbox/internal/seed"
	"github.com/zot/sandbox/internal/session"
	"github.com/zot/sandbox/internal/storage"
)

// Server is the sandbox server.
type Server struct {
	config       *config.Config
	logger       *zap.Logger
	sessions     *session.Manager
	store        storage.Backend
	metrics      *metrics.Metrics
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
	stopCleanup  func()
}

// New creates a server. store keeps named snapshots; the server does not
// close it.
func New(cfg *config.Config, store storage.Backend) *Server {
	logger := cfg.Logger()
	s := &Server{
		config: cfg,
		logger: logger,
		store:  store,
	}
	opts := session.Options{
		Dialect:       cfg.Sandbox.Dialect,
		Backend:       BackendOptions(cfg),
		DeltaInterval: cfg.Sandbox.DeltaInterval.Duration(),
		Seed:          s.seed,
		Logger:        logger,
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
		opts.Observer = s.metrics
	}
	s.sessions = session.NewManager(cfg.Session.Timeout.Duration(), opts)
	if s.metrics != nil {
		s.sessions.SetOnSessionCreated(func(*session.Session) { s.metrics.SessionCreated() })
		s.sessions.SetOnSessionDestroyed(func(*session.Session) { s.metrics.SessionDestroyed() })
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, s.sessions)
	s.httpEndpoint = NewHTTPEndpoint(s.sessions, store, s.metrics, s.wsEndpoint)
	if s.metrics != nil {
		s.httpEndpoint.Handle(cfg.Metrics.Path, s.metrics.Handler())
	}
	return s
}

// BackendOptions builds the fake backend options a configuration implies.
func BackendOptions(cfg *config.Config) fakebackend.Options {
	opts := fakebackend.Options{
		Features:        fakebackend.Features{AutoLogin: cfg.Sandbox.AutoLogin},
		EnvironmentName: cfg.Sandbox.EnvironmentName,
		ProviderType:    cfg.Sandbox.ProviderType,
		DefaultSeries:   cfg.Sandbox.DefaultSeries,
	}
	if cfg.Sandbox.User != "" {
		opts.Users = map[string]string{cfg.Sandbox.User: cfg.Sandbox.Password}
	}
	return opts
}

// seed populates a new session: the configured snapshot first, then the
// Lua scripts.
func (s *Server) seed(state *fakebackend.State) error {
	return state.Sudo(func() error {
		if name := s.config.Sandbox.Snapshot; name != "" {
			snap, err := s.store.Load(name)
			s.observeSnapshot("load", err)
			if err != nil {
				return errors.Wrapf(err, "loading snapshot %s", name)
			}
			if err := state.Import(snap.Data); err != nil {
				return errors.Wrapf(err, "importing snapshot %s", name)
			}
		}
		if s.luaSeeding() {
			return seed.New(state, s.logger).RunPath(s.config.Lua.Path)
		}
		return nil
	})
}

// luaSeeding reports whether seed scripts are enabled and present.
func (s *Server) luaSeeding() bool {
	if !s.config.Lua.Enabled || s.config.Lua.Path == "" {
		return false
	}
	_, err := os.Stat(s.config.Lua.Path)
	return err == nil
}

func (s *Server) observeSnapshot(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(op, err)
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StartHTTP starts the HTTP server on port and returns its base URL.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrapf(err, "failed to listen on %s", addr)
	}
	if port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}
	s.httpServer = &http.Server{
		Handler:           s.httpEndpoint,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(s.config.Server.Port))), nil
}

// StartCleanupWorker removes idle sessions every interval until Shutdown.
func (s *Server) StartCleanupWorker(interval time.Duration) {
	s.stopCleanup = s.sessions.StartCleanupWorker(interval)
}

// Shutdown stops the HTTP server and destroys every session.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wsEndpoint.CloseAll()
	s.sessions.Close()
	return err
}

// GetSessions returns the session manager.
func (s *Server) GetSessions() *session.Manager {
	return s.sessions
}

// SaveSnapshot exports a session into the store under name.
func (s *Server) SaveSnapshot(sess *session.Session, name string) (*storage.Snapshot, error) {
	return saveSnapshot(sess, s.store, s.metrics, name)
}

func saveSnapshot(sess *session.Session, store storage.Backend, m *metrics.Metrics, name string) (*storage.Snapshot, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	exported, err := sess.Export()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	snap := &storage.Snapshot{Name: name, Data: data, Services: len(exported.Services)}
	err = store.Save(snap)
	if m != nil {
		m.ObserveSnapshot("save", err)
	}
	return snap, err
}
