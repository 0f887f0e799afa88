package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{"top level", map[string]any{"listen": ":8484", "n": 42.0}, map[string]any{"listen": ":8484", "n": 42.0}},
		{
			"nested",
			map[string]any{"store": map[string]any{"format": "cbor", "reset_on_corrupt": true}, "log_level": "info"},
			map[string]any{"store.format": "cbor", "store.reset_on_corrupt": true, "log_level": "info"},
		},
		{"deep", map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}}, map[string]any{"a.b.c": "deep"}},
		{"empty nested map produces nothing", map[string]any{"a": map[string]any{}}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Flatten(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnflatten_Nested(t *testing.T) {
	got := Unflatten(map[string]any{
		"relay.send_buffer":           64.0,
		"relay.unknown_report_policy": "record",
		"log_level":                   "info",
	})
	relay, ok := got["relay"].(map[string]any)
	if !ok {
		t.Fatalf("expected relay to be map, got %T", got["relay"])
	}
	if relay["send_buffer"] != 64.0 || relay["unknown_report_policy"] != "record" {
		t.Errorf("unexpected relay section %v", relay)
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir":  "/home/test/.cmdrelay",
		"log_level": "debug",
		"store":     map[string]any{"format": "json", "path": "/var/lib/queue.json"},
		"telegram":  map[string]any{"token": "bot-token-abc", "chat_id": 42.0},
	}
	if restored := Unflatten(Flatten(original)); !reflect.DeepEqual(restored, original) {
		t.Errorf("round trip mismatch:\n got  %v\n want %v", restored, original)
	}
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		value any
		want  any
	}{
		{"123456:ABCdefGHIjkl", "***Ijkl"},
		{"abcd", "***abcd"},
		{"ab", "***ab"},
		{"", ""},
		{nil, nil},
	}
	for _, tt := range tests {
		got := MaskSecrets(map[string]any{"telegram.token": tt.value, "listen": ":8484"})
		if got["telegram.token"] != tt.want {
			t.Errorf("mask %v: got %v, want %v", tt.value, got["telegram.token"], tt.want)
		}
		if got["listen"] != ":8484" {
			t.Errorf("non-secret changed: %v", got["listen"])
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("telegram.token") {
		t.Error("telegram.token should be secret")
	}
	if IsSecretKey("telegram.chat_id") {
		t.Error("telegram.chat_id should not be secret")
	}
}
