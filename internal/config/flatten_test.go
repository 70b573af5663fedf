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
		{"flat", map[string]any{"data_dir": "/tmp", "max_concurrent": 2.0}, map[string]any{"data_dir": "/tmp", "max_concurrent": 2.0}},
		{
			"nested",
			map[string]any{"llm": map[string]any{"model": "gpt-4o-mini", "max_retries": 2.0}, "log_level": "info"},
			map[string]any{"llm.model": "gpt-4o-mini", "llm.max_retries": 2.0, "log_level": "info"},
		},
		{
			"deep",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}},
			map[string]any{"a.b.c": true},
		},
		{"empty nested map disappears", map[string]any{"memory": map[string]any{}}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Flatten() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"memory.backend": "sqlite",
		"http.enabled":   true,
		"http.listen":    "127.0.0.1:8787",
		"log_level":      "debug",
	})
	want := map[string]any{
		"memory":    map[string]any{"backend": "sqlite"},
		"http":      map[string]any{"enabled": true, "listen": "127.0.0.1:8787"},
		"log_level": "debug",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unflatten() = %v, want %v", got, want)
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	cfg := Defaults()
	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	if got := Unflatten(Flatten(m)); !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got  %v\n want %v", got, m)
	}
}

func TestIsSecretKey(t *testing.T) {
	tests := map[string]bool{
		"llm.api_key":    true,
		"telegram.token": true,
		"x.github_token": true,
		"llm.model":      false,
		"llm.max_tokens": false,
		"tokenizer":      false,
	}
	for key, want := range tests {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"llm.api_key":    "sk-abcdef123456",
		"telegram.token": "abc",
		"llm.model":      "gpt-4o-mini",
		"x.token":        "",
		"y.token":        42.0,
	})
	want := map[string]any{
		"llm.api_key":    "***3456",
		"telegram.token": "***abc",
		"llm.model":      "gpt-4o-mini",
		"x.token":        "",
		"y.token":        42.0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MaskSecrets() = %v, want %v", got, want)
	}
}
