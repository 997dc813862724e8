package config

import (
	"fmt"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Realtime RealtimeConfig
	Audit    AuditConfig
	MCP      MCPConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	Driver  string
	DSN     string
	DataDir string
}

type LogConfig struct {
	Level string
}

type RealtimeConfig struct {
	TypingTTL     time.Duration
	SweepInterval time.Duration
	SendBuffer    int
}

type AuditConfig struct {
	Buffer int
}

type MCPConfig struct {
	Enabled bool
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Realtime: RealtimeConfig{
			TypingTTL:     10 * time.Second,
			SweepInterval: 5 * time.Second,
			SendBuffer:    64,
		},
		Audit: AuditConfig{
			Buffer: 256,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/airlock/config.json. Environment variables (AIRLOCK_*)
// override file values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("invalid config: storage.data_dir is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("invalid config: storage.dsn is required for the postgres driver (set AIRLOCK_STORAGE_DSN)")
		}
	default:
		return fmt.Errorf("invalid config: storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Realtime.TypingTTL <= 0 || c.Realtime.SweepInterval <= 0 {
		return fmt.Errorf("invalid config: realtime durations must be positive")
	}
	return nil
}
