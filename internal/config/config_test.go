package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "airlock", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return openFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Realtime.TypingTTL != 10*time.Second || cfg.Realtime.SweepInterval != 5*time.Second {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.Realtime.SendBuffer != 64 || cfg.Audit.Buffer != 256 {
		t.Errorf("buffers = %d, %d", cfg.Realtime.SendBuffer, cfg.Audit.Buffer)
	}
	if !cfg.MCP.Enabled {
		t.Error("MCP.Enabled = false, want true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestFileParsing verifies that all fields are correctly read from the JSON file.
func TestFileParsing(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.host": "0.0.0.0",
  "server.port": 9090,
  "storage.driver": "postgres",
  "storage.dsn": "postgres://airlock@localhost/airlock?sslmode=disable",
  "log.level": "debug",
  "realtime.typing_ttl": "15s",
  "realtime.sweep_interval": "2s",
  "realtime.send_buffer": 16,
  "audit.buffer": 32,
  "mcp.enabled": false
}`)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.Driver != DriverPostgres || !strings.HasPrefix(cfg.Storage.DSN, "postgres://") {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Realtime.TypingTTL != 15*time.Second || cfg.Realtime.SweepInterval != 2*time.Second {
		t.Errorf("Realtime durations = %+v", cfg.Realtime)
	}
	if cfg.Realtime.SendBuffer != 16 || cfg.Audit.Buffer != 32 {
		t.Errorf("buffers = %d, %d", cfg.Realtime.SendBuffer, cfg.Audit.Buffer)
	}
	if cfg.MCP.Enabled {
		t.Error("MCP.Enabled = true, want false")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 9090, "log.level": "info"}`)

	t.Setenv("AIRLOCK_SERVER_PORT", "7070")
	t.Setenv("AIRLOCK_LOG_LEVEL", "debug")
	t.Setenv("AIRLOCK_REALTIME_TYPING_TTL", "30s")
	t.Setenv("AIRLOCK_MCP_ENABLED", "false")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Realtime.TypingTTL != 30*time.Second {
		t.Errorf("TypingTTL = %v, want 30s", cfg.Realtime.TypingTTL)
	}
	if cfg.MCP.Enabled {
		t.Error("MCP.Enabled = true, want false")
	}
}

// TestInvalidEnvIgnored verifies unparseable env values fall back to the file or default.
func TestInvalidEnvIgnored(t *testing.T) {
	b := writeTempConfig(t, `{}`)
	t.Setenv("AIRLOCK_SERVER_PORT", "eighty")
	t.Setenv("AIRLOCK_REALTIME_SWEEP_INTERVAL", "-1s")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Realtime.SweepInterval != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"postgres without dsn", `{"storage.driver": "postgres"}`, "storage.dsn is required"},
		{"unknown driver", `{"storage.driver": "mysql"}`, "storage.driver must be"},
		{"port out of range", `{"server.port": 70000}`, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "9999"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(b, "realtime.typing_ttl", "20s"); err != nil {
		t.Fatalf("setKey ttl: %v", err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "realtime.typing_ttl", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKey(b, "proxy.model", "x"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("unknown key error = %v", err)
	}

	// The values survive a reload from disk.
	cfg, err := loadWith(openFileBackend(b.path))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Realtime.TypingTTL != 20*time.Second {
		t.Errorf("reloaded cfg = %+v", cfg)
	}
}

func TestShowAllCoversEveryKey(t *testing.T) {
	infos := ShowAll(defaults())
	keys := ValidKeys()
	if len(infos) != len(keys) {
		t.Fatalf("ShowAll returned %d keys, ValidKeys %d", len(infos), len(keys))
	}
	for i, info := range infos {
		if info.Key != keys[i] {
			t.Errorf("key %d = %q, want %q", i, info.Key, keys[i])
		}
		if !strings.HasPrefix(info.EnvVar, "AIRLOCK_") {
			t.Errorf("%s env = %q", info.Key, info.EnvVar)
		}
	}
}

func TestUnsetKeyRestoresDefault(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 9090}`)

	if err := unsetKey(b, "server.port"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	if err := unsetKey(b, "nope"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(openFileBackend(b.path))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestSetKeyWritesTypedJSON(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	for key, val := range map[string]string{
		"server.port":         "9100",
		"mcp.enabled":         "false",
		"realtime.typing_ttl": "1m30s",
	} {
		if err := setKey(b, key, val); err != nil {
			t.Fatalf("setKey %s: %v", key, err)
		}
	}

	raw, err := os.ReadFile(b.path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("config file is not valid JSON: %v", err)
	}
	if onDisk["server.port"] != float64(9100) {
		t.Errorf("server.port stored as %#v, want a number", onDisk["server.port"])
	}
	if onDisk["mcp.enabled"] != false {
		t.Errorf("mcp.enabled stored as %#v, want a boolean", onDisk["mcp.enabled"])
	}
	if onDisk["realtime.typing_ttl"] != "1m30s" {
		t.Errorf("realtime.typing_ttl stored as %#v, want a duration string", onDisk["realtime.typing_ttl"])
	}

	entries, err := os.ReadDir(filepath.Dir(b.path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("config dir has %d entries, want only config.json", len(entries))
	}
}

func TestDurationAsSeconds(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{"realtime.typing_ttl": 20, "realtime.sweep_interval": 0.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Realtime.TypingTTL != 20*time.Second || cfg.Realtime.SweepInterval != 500*time.Millisecond {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
}

func TestBadFileValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"malformed json", `{"server.port": `, "parsing config file"},
		{"fractional port", `{"server.port": 80.5}`, "server.port"},
		{"bool as number", `{"mcp.enabled": 1}`, "mcp.enabled"},
		{"negative duration", `{"realtime.typing_ttl": "-5s"}`, "realtime.typing_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	b := openFileBackend(filepath.Join(t.TempDir(), "airlock", "config.json"))
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if err := unsetKey(b, "server.port"); err != nil {
		t.Errorf("unset on missing file: %v", err)
	}
}
