// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/sandbox/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	SandboxConfig = config.SandboxConfig
	StorageConfig = config.StorageConfig
	LuaConfig     = config.LuaConfig
	SessionConfig = config.SessionConfig
	MetricsConfig = config.MetricsConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
