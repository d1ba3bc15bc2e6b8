package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestExpandVerbosityFlags(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"-vvv"}, []string{"-v", "-v", "-v"}},
		{[]string{"-v", "-port", "9"}, []string{"-v", "-port", "9"}},
		{[]string{"-version"}, []string{"-version"}},
		{[]string{"--vv"}, []string{"--vv"}},
	}
	for _, tt := range tests {
		got := expandVerbosityFlags(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("expandVerbosityFlags(%v) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("expandVerbosityFlags(%v) = %v, want %v", tt.in, got, tt.want)
				break
			}
		}
	}
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Dialect != DialectPython {
		t.Errorf("dialect = %q, want %q", cfg.Sandbox.Dialect, DialectPython)
	}
	if cfg.Sandbox.DeltaInterval.Duration() != time.Second {
		t.Errorf("delta interval = %v, want 1s", cfg.Sandbox.DeltaInterval)
	}
	if cfg.Storage.Type != StorageMemory {
		t.Errorf("storage = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(t.TempDir())
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `
[server]
port = 9000
host = "127.0.0.1"

[sandbox]
dialect = "go"
delta_interval = "250ms"
provider_type = "local"

[session]
timeout = "5m"
`
	if err := os.WriteFile(filepath.Join(dir, "config", "config.toml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SANDBOX_PORT", "9100")
	t.Setenv("SANDBOX_PROVIDER_TYPE", "ec2")

	cfg, err := Load([]string{"-dir", dir, "-port", "9200", "-vv"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"toml host", cfg.Server.Host, "127.0.0.1"},
		{"flag beats env", cfg.Server.Port, 9200},
		{"toml dialect", cfg.Sandbox.Dialect, DialectGo},
		{"toml duration", cfg.Sandbox.DeltaInterval.Duration(), 250 * time.Millisecond},
		{"env beats toml", cfg.Sandbox.ProviderType, "ec2"},
		{"session timeout", cfg.Session.Timeout.Duration(), 5 * time.Minute},
		{"verbosity", cfg.Verbosity(), 2},
		{"dir", cfg.Server.Dir, dir},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestExplicitFalseFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load([]string{"-lua=false", "-metrics=false", "-delta-interval", "0s"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lua.Enabled {
		t.Error("lua still enabled")
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics still enabled")
	}
	if cfg.Sandbox.DeltaInterval != 0 {
		t.Errorf("delta interval = %v, want 0", cfg.Sandbox.DeltaInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"go dialect", func(c *Config) { c.Sandbox.Dialect = DialectGo }, true},
		{"bad dialect", func(c *Config) { c.Sandbox.Dialect = "ruby" }, false},
		{"bad storage", func(c *Config) { c.Storage.Type = "s3" }, false},
		{"postgres without url", func(c *Config) { c.Storage.Type = StoragePostgres }, false},
		{"postgres", func(c *Config) {
			c.Storage.Type = StoragePostgres
			c.Storage.URL = "postgres://localhost/sandbox"
		}, true},
		{"negative interval", func(c *Config) { c.Sandbox.DeltaInterval = Duration(-time.Second) }, false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.modify(cfg)
		if err := cfg.Validate(); (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sandbox.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hello", zap.String("k", "v"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LoggingConfig{Level: "chatty"}); err == nil {
		t.Error("expected an error")
	}
}

func TestLogRespectsVerbosity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.log")
	cfg := DefaultConfig()
	cfg.Logging.Outputs = []string{path}
	cfg.Logging.Verbosity = 1

	cfg.Log(2, "hidden %d", 2)
	cfg.Log(1, "shown %d", 1)
	_ = cfg.Logger().Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); !strings.Contains(got, "shown 1") || strings.Contains(got, "hidden 2") {
		t.Errorf("log = %q", got)
	}
}

