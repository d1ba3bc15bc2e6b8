// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dialects a sandbox can speak.
const (
	DialectPython = "python"
	DialectGo     = "go"
)

// Storage types.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgresql"
)

// Config holds all configuration settings for the sandbox server.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Storage StorageConfig `toml:"storage"`
	Lua     LuaConfig     `toml:"lua"`
	Session SessionConfig `toml:"session"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`

	logger *zap.Logger
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Dir  string `toml:"-"` // config directory (CLI only)
}

// SandboxConfig describes the simulated environment each session gets.
type SandboxConfig struct {
	Dialect         string   `toml:"dialect"`
	DeltaInterval   Duration `toml:"delta_interval"`
	ProviderType    string   `toml:"provider_type"`
	DefaultSeries   string   `toml:"default_series"`
	EnvironmentName string   `toml:"environment_name"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	AutoLogin       bool     `toml:"auto_login"`
	Snapshot        string   `toml:"snapshot"` // stored snapshot imported into new sessions
}

// StorageConfig holds snapshot storage settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// LuaConfig holds seeding script settings.
type LuaConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // a .lua file or a directory of them
}

// SessionConfig holds session-related settings.
type SessionConfig struct {
	Timeout Duration `toml:"timeout"` // Session expiration (0 = never)
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string         `toml:"level"`     // "debug", "info", "warn", "error"
	Format      string         `toml:"format"`    // "console" or "json"
	Outputs     []string       `toml:"outputs"`   // stdout, stderr or file paths
	Verbosity   int            `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=deltas
	Development bool           `toml:"development"`
	Rotation    RotationConfig `toml:"rotation"`
}

// RotationConfig controls lumberjack rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags rewrites -vvv as -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Sandbox: SandboxConfig{
			Dialect:         DialectPython,
			DeltaInterval:   Duration(time.Second),
			ProviderType:    "demonstration",
			DefaultSeries:   "precise",
			EnvironmentName: "sandbox",
			User:            "admin",
			Password:        "password",
		},
		Storage: StorageConfig{
			Type: StorageMemory,
			Path: "sandbox.db",
		},
		Lua: LuaConfig{
			Enabled: true,
			Path:    "seed/",
		},
		Session: SessionConfig{
			Timeout: Duration(time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("sandbox", flag.ContinueOnError)
	dir := fs.String("dir", "", "Directory holding config/config.toml")

	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")

	dialect := fs.String("dialect", "", "Default wire dialect: python, go")
	deltaInterval := fs.Duration("delta-interval", 0, "Delta push interval")
	autoLogin := fs.Bool("auto-login", false, "Start sessions already authenticated")
	snapshot := fs.String("snapshot", "", "Stored snapshot to import into new sessions")

	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	lua := fs.Bool("lua", true, "Run Lua seed scripts")
	luaPath := fs.String("lua-path", "", "Lua seed script or directory")

	sessionTimeout := fs.Duration("session-timeout", 0, "Session expiration (0=never)")
	metrics := fs.Bool("metrics", true, "Serve Prometheus metrics")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "Write logs to this file (rotated)")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	configPath := "config/config.toml"
	if *dir != "" {
		configPath = *dir + "/config/config.toml"
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading %s", configPath)
	}

	cfg.applyEnv()

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dialect != "" {
		cfg.Sandbox.Dialect = *dialect
	}
	if set["delta-interval"] {
		cfg.Sandbox.DeltaInterval = Duration(*deltaInterval)
	}
	if set["auto-login"] {
		cfg.Sandbox.AutoLogin = *autoLogin
	}
	if *snapshot != "" {
		cfg.Sandbox.Snapshot = *snapshot
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if set["lua"] {
		cfg.Lua.Enabled = *lua
	}
	if *luaPath != "" {
		cfg.Lua.Path = *luaPath
	}
	if *sessionTimeout != 0 {
		cfg.Session.Timeout = Duration(*sessionTimeout)
	}
	if set["metrics"] {
		cfg.Metrics.Enabled = *metrics
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.Outputs = []string{*logFile}
		cfg.Logging.Rotation.Enable = true
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	cfg.Server.Dir = *dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can honor.
func (c *Config) Validate() error {
	switch c.Sandbox.Dialect {
	case DialectPython, DialectGo:
	default:
		return errors.Errorf("unknown dialect %q", c.Sandbox.Dialect)
	}
	switch c.Storage.Type {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.URL == "" {
			return errors.New("postgresql storage needs a url")
		}
	default:
		return errors.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Sandbox.DeltaInterval < 0 {
		return errors.New("delta interval must not be negative")
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDBOX_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SANDBOX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SANDBOX_DIALECT"); v != "" {
		c.Sandbox.Dialect = v
	}
	if v := os.Getenv("SANDBOX_DELTA_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sandbox.DeltaInterval = Duration(d)
		}
	}
	if v := os.Getenv("SANDBOX_PROVIDER_TYPE"); v != "" {
		c.Sandbox.ProviderType = v
	}
	if v := os.Getenv("SANDBOX_DEFAULT_SERIES"); v != "" {
		c.Sandbox.DefaultSeries = v
	}
	if v := os.Getenv("SANDBOX_ENV_NAME"); v != "" {
		c.Sandbox.EnvironmentName = v
	}
	if v := os.Getenv("SANDBOX_USER"); v != "" {
		c.Sandbox.User = v
	}
	if v := os.Getenv("SANDBOX_PASSWORD"); v != "" {
		c.Sandbox.Password = v
	}
	if v := os.Getenv("SANDBOX_AUTO_LOGIN"); v != "" {
		c.Sandbox.AutoLogin = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_SNAPSHOT"); v != "" {
		c.Sandbox.Snapshot = v
	}
	if v := os.Getenv("SANDBOX_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("SANDBOX_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SANDBOX_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("SANDBOX_LUA"); v != "" {
		c.Lua.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_LUA_PATH"); v != "" {
		c.Lua.Path = v
	}
	if v := os.Getenv("SANDBOX_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("SANDBOX_METRICS"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SANDBOX_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SANDBOX_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Addr is the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Logger returns the logger built from the logging settings, building it on
// first use.
func (c *Config) Logger() *zap.Logger {
	if c.logger == nil {
		logger, err := NewLogger(c.Logging)
		if err != nil {
			logger = zap.NewExample()
			logger.Warn("logging setup failed, using defaults", zap.Error(err))
		}
		c.logger = logger
	}
	return c.logger
}

// SetLogger replaces the logger, e.g. with zaptest's in tests.
func (c *Config) SetLogger(logger *zap.Logger) {
	c.logger = logger
}

// Log writes a message when level is within the configured verbosity.
func (c *Config) Log(level int, format string, args ...any) {
	if level > c.Logging.Verbosity {
		return
	}
	c.Logger().Sugar().Infof(format, args...)
}
