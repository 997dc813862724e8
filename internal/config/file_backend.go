package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "airlock-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "airlock")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "airlock", "config.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "airlock", "config.json")
}

// fileBackend keeps config as one flat JSON object keyed by dotted names.
// Values are stored in their natural JSON type: numbers for ints, booleans
// for flags, and Go duration strings ("10s") for durations.
type fileBackend struct {
	path string
	data map[string]any
	err  error // set when the file exists but cannot be used
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		b.err = fmt.Errorf("reading config file %s: %w", path, err)
	case len(bytes.TrimSpace(raw)) > 0:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&b.data); err != nil {
			b.err = fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string, typ keyType) (any, bool, error) {
	if b.err != nil {
		return nil, false, b.err
	}
	raw, ok := b.data[key]
	if !ok || raw == nil {
		return nil, false, nil
	}
	if s, isStr := raw.(string); isStr && s == "" && typ != kString {
		return nil, false, nil
	}
	v, err := decodeValue(typ, raw)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// decodeValue converts a value decoded from JSON into the Go type of the key.
// Strings are accepted for every type so hand-edited files keep working.
func decodeValue(typ keyType, raw any) (any, error) {
	if s, ok := raw.(string); ok {
		return parseValue(typ, s)
	}
	switch typ {
	case kInt:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want an integer, got %T", raw)
		}
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return nil, fmt.Errorf("want an integer, got %s", n)
		}
		return i, nil
	case kBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want a boolean, got %T", raw)
		}
		return v, nil
	case kDuration:
		// A bare number is read as seconds.
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want a duration, got %T", raw)
		}
		secs, err := n.Float64()
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("want a positive duration, got %s", n)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return fmt.Sprint(raw), nil
	}
}

func (b *fileBackend) Store(key string, val any) error {
	if b.err != nil {
		return b.err
	}
	if d, ok := val.(time.Duration); ok {
		val = d.String()
	}
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	if b.err != nil {
		return b.err
	}
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}

// save replaces the file atomically so an interrupted write never leaves a
// truncated config behind.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}
