package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "AIRLOCK_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "AIRLOCK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.driver", typ: kString, env: "AIRLOCK_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.dsn", typ: kString, env: "AIRLOCK_STORAGE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIRLOCK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AIRLOCK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "realtime.typing_ttl", typ: kDuration, env: "AIRLOCK_REALTIME_TYPING_TTL",
		apply:   func(cfg *Config, v any) { cfg.Realtime.TypingTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Realtime.TypingTTL },
	},
	{
		key: "realtime.sweep_interval", typ: kDuration, env: "AIRLOCK_REALTIME_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Realtime.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Realtime.SweepInterval },
	},
	{
		key: "realtime.send_buffer", typ: kInt, env: "AIRLOCK_REALTIME_SEND_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Realtime.SendBuffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Realtime.SendBuffer },
	},
	{
		key: "audit.buffer", typ: kInt, env: "AIRLOCK_AUDIT_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Audit.Buffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Audit.Buffer },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "AIRLOCK_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
}

// parseValue converts raw text into the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		v, ok, err := b.Lookup(s.key, s.typ)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
