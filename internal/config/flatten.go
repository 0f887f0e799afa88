package config

import (
	"strings"
)

// secretKeys are masked by ListValues and "config set" output.
var secretKeys = map[string]bool{
	"telegram.token": true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested sections into dotted keys:
// {"store": {"format": "json"}} becomes {"store.format": "json"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, section map[string]any)
	walk = func(prefix string, section map[string]any) {
		for k, v := range section {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A dotted key whose parent holds a
// scalar replaces that scalar with a section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := section[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[part] = child
			}
			section = child
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values reduced to "***"
// plus their last four characters. Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
