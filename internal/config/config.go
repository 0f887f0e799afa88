package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Listen   string `json:"listen"`
	Store    struct {
		Path           string `json:"path"`
		Format         string `json:"format"`
		ResetOnCorrupt bool   `json:"reset_on_corrupt"`
	} `json:"store"`
	Relay struct {
		UnknownReportPolicy string `json:"unknown_report_policy"`
		SendBuffer          int    `json:"send_buffer"`
		MaxMessageBytes     int64  `json:"max_message_bytes"`
	} `json:"relay"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	Agent struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"agent"`
}

// DefaultPath is ~/.cmdrelay/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".cmdrelay", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".cmdrelay"),
		LogLevel: "info",
		Listen:   "127.0.0.1:8484",
	}
	cfg.Store.Format = "json"
	cfg.Relay.UnknownReportPolicy = "drop"
	cfg.Relay.SendBuffer = 256
	cfg.Relay.MaxMessageBytes = 4 << 20
	cfg.Agent.URL = "ws://127.0.0.1:8484/client-ws"
	return cfg
}

// Load reads path over the defaults, writing the defaults first if the
// file does not exist. Environment variables win over both.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("CMDRELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CMDRELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	switch c.Store.Format {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("store.format %q: want json or cbor", c.Store.Format)
	}
	switch c.Relay.UnknownReportPolicy {
	case "", "drop", "record":
	default:
		return fmt.Errorf("relay.unknown_report_policy %q: want drop or record", c.Relay.UnknownReportPolicy)
	}
	return nil
}

// StorePath is the queue snapshot file, defaulting to queue.json or
// queue.cbor in the data directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	ext := c.Store.Format
	if ext == "" {
		ext = "json"
	}
	return filepath.Join(c.DataDir, "queue."+ext)
}

func (c *Config) TasksPath() string  { return filepath.Join(c.DataDir, "tasks.json") }
func (c *Config) UploadsDir() string { return filepath.Join(c.DataDir, "uploads") }
func (c *Config) PIDPath() string    { return filepath.Join(c.DataDir, "cmdrelay.pid") }

// Save writes cfg to path atomically, creating the directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-keyed values, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot key in the config file.
// Keys not known to Config are still readable.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot key. value is parsed as JSON when
// possible (numbers, booleans) and kept as a string otherwise. The file
// must already exist.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}
