package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CMDRELAY_LISTEN", "CMDRELAY_DATA_DIR", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.Store.Format != "json" || cfg.Relay.UnknownReportPolicy != "drop" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := &Config{DataDir: "/tmp/test-data", LogLevel: "debug", Listen: ":9000"}
	original.Store.Format = "cbor"
	original.Store.ResetOnCorrupt = true
	original.Relay.UnknownReportPolicy = "record"
	original.Relay.SendBuffer = 32
	original.Telegram.Token = "bot-token-456"
	original.Telegram.ChatID = -100123
	original.Agent.Name = "web-1"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", *loaded, *original)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{Listen: ":1", DataDir: "/from/file"})

	t.Setenv("CMDRELAY_LISTEN", ":2")
	t.Setenv("CMDRELAY_DATA_DIR", "/from/env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "77")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":2" || cfg.DataDir != "/from/env" || cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != 77 {
		t.Errorf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TELEGRAM_CHAT_ID")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	bad := defaults()
	bad.Store.Format = "yaml"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for store.format=yaml")
	}

	bad = defaults()
	bad.Relay.UnknownReportPolicy = "insert"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown policy")
	}

	bad = defaults()
	bad.LogLevel = "loud"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for log level")
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.StorePath(); got != "/data/queue.json" {
		t.Errorf("StorePath = %s", got)
	}
	cfg.Store.Format = "cbor"
	if got := cfg.StorePath(); got != "/data/queue.cbor" {
		t.Errorf("StorePath = %s", got)
	}
	cfg.Store.Path = "/elsewhere/q.bin"
	if got := cfg.StorePath(); got != "/elsewhere/q.bin" {
		t.Errorf("StorePath = %s", got)
	}
	if got := cfg.TasksPath(); got != "/data/tasks.json" {
		t.Errorf("TasksPath = %s", got)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)
	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", LogLevel: "debug"}
	cfg.Relay.SendBuffer = 64

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	relay, ok := m["relay"].(map[string]any)
	if !ok {
		t.Fatalf("expected relay to be map, got %T", m["relay"])
	}
	// JSON numbers are float64
	if relay["send_buffer"] != float64(64) {
		t.Errorf("expected relay.send_buffer=64, got %v", relay["send_buffer"])
	}
}

func TestListValues_Mask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "debug"}
	cfg.Relay.SendBuffer = 8
	writeTestConfig(t, path, cfg)

	if v, err := GetValue(path, "log_level"); err != nil || v != "debug" {
		t.Errorf("log_level: got %v, %v", v, err)
	}
	if v, err := GetValue(path, "relay.send_buffer"); err != nil || v != float64(8) {
		t.Errorf("relay.send_buffer: got %v (%T), %v", v, v, err)
	}

	_, err := GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestGetValue_NewFileHasDefaults(t *testing.T) {
	clearEnv(t)
	v, err := GetValue(tempConfigPath(t), "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "info", Listen: ":8484"}
	writeTestConfig(t, path, cfg)

	tests := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"relay.send_buffer", "16", float64(16)},
		{"store.reset_on_corrupt", "true", true},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tt.key, tt.want, tt.want, v, v)
		}
	}

	// Other values are preserved.
	if v, _ := GetValue(path, "listen"); v != ":8484" {
		t.Errorf("expected listen preserved, got %v", v)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Relay.SendBuffer != 16 || !loaded.Store.ResetOnCorrupt {
		t.Errorf("typed load did not see updates: %+v", loaded)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
