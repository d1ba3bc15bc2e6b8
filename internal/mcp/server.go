package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/session"
)

// Server is an MCP server bound to one sandbox session.
type Server struct {
	mcp     *server.MCPServer
	session *session.Session
	bridge  *Bridge
	logger  *zap.Logger
}

// NewServer attaches to sess and registers the sandbox tools and resources.
func NewServer(sess *session.Session, version string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge, err := NewBridge(sess)
	if err != nil {
		return nil, err
	}
	s := &Server{
		mcp: server.NewMCPServer("sandbox", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithRecovery(),
		),
		session: sess,
		bridge:  bridge,
		logger:  logger,
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// ServeStdio serves MCP on stdin and stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info("serving MCP on stdio", zap.String("session", s.session.ID))
	return server.ServeStdio(s.mcp)
}

// Close detaches from the session.
func (s *Server) Close() {
	s.bridge.Close()
}
