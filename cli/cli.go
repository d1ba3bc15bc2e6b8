// Package cli provides the command-line interface for the sandbox.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/config"
	"github.com/zot/sandbox/internal/mcp"
	"github.com/zot/sandbox/internal/server"
	"github.com/zot/sandbox/internal/storage"
)

// Version is reported by the version command and the MCP handshake.
var Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// output is where help and version text go.
var output io.Writer = os.Stdout

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "mcp":
		return runMcp(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	logger := cfg.Logger()
	defer logger.Sync()

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.Error("opening storage", zap.Error(err))
		return 1
	}
	defer store.Close()

	srv := server.New(cfg, store)
	srv.StartCleanupWorker(time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	url, err := srv.StartHTTP(cfg.Server.Port)
	if err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("sandbox ready",
		zap.String("url", url),
		zap.String("dialect", cfg.Sandbox.Dialect),
		zap.String("storage", cfg.Storage.Type))

	<-sigChan
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return 0
}

// runMcp serves one python-dialect session over MCP on stdio. Stdout
// carries the protocol, so logs never go there.
func runMcp(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	for i, out := range cfg.Logging.Outputs {
		if out == "stdout" {
			cfg.Logging.Outputs[i] = "stderr"
		}
	}
	cfg.Metrics.Enabled = false
	logger := cfg.Logger()
	defer logger.Sync()

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.Error("opening storage", zap.Error(err))
		return 1
	}
	defer store.Close()

	srv := server.New(cfg, store)
	defer srv.Shutdown(context.Background())

	sess, err := srv.GetSessions().CreateSession(config.DialectPython)
	if err != nil {
		logger.Error("creating session", zap.Error(err))
		return 1
	}
	mcpServer, err := mcp.NewServer(sess, Version, logger)
	if err != nil {
		logger.Error("attaching MCP server", zap.Error(err))
		return 1
	}
	defer mcpServer.Close()

	if err := mcpServer.ServeStdio(); err != nil {
		logger.Error("MCP server", zap.Error(err))
		return 1
	}
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Fprintln(output, `Sandbox API Server

Usage: sandbox [command] [options]

Commands:
  serve           Serve sandbox sessions over websockets (default)
  mcp             Serve one sandbox session to an MCP client on stdio
  help            Show this help
  version         Show the version

Options:
  --host               Listen address (default: 0.0.0.0)
  --port               Listen port (default: 8080)
  --dir                Directory holding config/config.toml
  --dialect            Default wire dialect: python, go (default: python)
  --delta-interval     Delta push interval (default: 1s)
  --auto-login         Start sessions already authenticated
  --snapshot           Stored snapshot to import into new sessions
  --storage            Snapshot storage: memory, sqlite, postgresql
  --storage-path       SQLite database path (default: sandbox.db)
  --storage-url        PostgreSQL connection URL
  --lua                Run Lua seed scripts (default: true)
  --lua-path           Lua seed script or directory (default: seed/)
  --session-timeout    Idle session expiration (default: 1h, 0=never)
  --metrics            Serve Prometheus metrics (default: true)
  --log-level          Log level: debug, info, warn, error
  --log-file           Write logs to a rotated file
  -v, -vv, -vvv        Verbosity: connections, messages, deltas

Examples:
  sandbox serve --port 8888 --auto-login
  sandbox serve --storage sqlite --snapshot demo
  sandbox --dialect go --lua-path seed/demo.lua -vv
  sandbox mcp --auto-login`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(output, hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Fprintf(output, "Sandbox v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(output, hooks.CustomVersion())
	}
}
