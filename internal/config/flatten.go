package config

import (
	"strings"
)

// Keys ending in one of these suffixes hold credentials.
var secretSuffixes = []string{"api_key", "token"}

// IsSecretKey reports whether a dot-separated key holds a credential, e.g.
// llm.api_key or telegram.token.
func IsSecretKey(key string) bool {
	leaf := key[strings.LastIndex(key, ".")+1:]
	for _, s := range secretSuffixes {
		if leaf == s || strings.HasSuffix(leaf, "_"+s) {
			return true
		}
	}
	return false
}

// Flatten turns {"llm": {"model": "x"}} into {"llm.model": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
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

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secret strings reduced
// to "***" plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = maskValue(s)
		}
	}
	return out
}

func maskValue(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
