package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir             string `json:"data_dir"`
	LogLevel            string `json:"log_level"`
	MaxConcurrent       int    `json:"max_concurrent"`
	MaxToolIterations   int    `json:"max_tool_iterations"`
	ToolCallPolicy      string `json:"tool_call_policy"`
	ModelTimeoutSeconds int    `json:"model_timeout_seconds"`
	ToolTimeoutSeconds  int    `json:"tool_timeout_seconds"`
	TasksPath           string `json:"tasks_path"`
	Memory              struct {
		Backend string `json:"backend"`
	} `json:"memory"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		MaxRetries       int     `json:"max_retries"`
	} `json:"llm"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Resume struct {
		Path           string `json:"path"`
		EmbeddingModel string `json:"embedding_model"`
	} `json:"resume"`
}

// DefaultDir is the directory holding the config file and, by default, all
// data.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".taskpilot")
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// Defaults returns the configuration used for keys the file does not set.
func Defaults() *Config {
	cfg := &Config{
		DataDir:             DefaultDir(),
		LogLevel:            "info",
		MaxConcurrent:       2,
		MaxToolIterations:   15,
		ToolCallPolicy:      "first",
		ModelTimeoutSeconds: 120,
		ToolTimeoutSeconds:  30,
	}
	cfg.Memory.Backend = "file"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.MaxRetries = 2
	cfg.HTTP.Listen = "127.0.0.1:8787"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Validate checks the values that have a closed set of choices.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	switch c.ToolCallPolicy {
	case "", "first", "serial":
	default:
		errs = append(errs, fmt.Errorf("tool_call_policy must be first or serial, got %q", c.ToolCallPolicy))
	}
	switch c.Memory.Backend {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("memory.backend must be file or sqlite, got %q", c.Memory.Backend))
	}
	if c.MaxToolIterations < 0 {
		errs = append(errs, fmt.Errorf("max_tool_iterations must not be negative"))
	}
	if c.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must not be negative"))
	}
	return errors.Join(errs...)
}

// ModelTimeout is the per model call timeout.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSeconds) * time.Second
}

// ToolTimeout is the per tool call timeout.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
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

// ToMap converts cfg into its nested JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every key of cfg flattened to dot-separated keys,
// optionally with secrets masked.
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

// GetValue returns the effective value of a dot-separated key, including
// keys the file sets that Config does not know.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if raw, err := readRaw(path); err == nil {
		for k, v := range Flatten(raw) {
			if _, ok := flat[k]; !ok {
				flat[k] = v
			}
		}
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return v, nil
}

// ErrUnknownKey is returned for keys Config does not define.
var ErrUnknownKey = errors.New("unknown config key")

// SetValue sets a dot-separated key in the config file at path. The value
// is converted to the key's type, and the resulting file must pass
// Validate; otherwise nothing is written. The file must already exist.
func SetValue(path, key, value string) error {
	known, err := ListValues(Defaults(), false)
	if err != nil {
		return err
	}
	def, ok := known[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	parsed, err := parseValue(def, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	candidate := Defaults()
	if err := json.Unmarshal(data, candidate); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeFile(path, data)
}

// parseValue converts value to the JSON type of def.
func parseValue(def any, value string) (any, error) {
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("want true or false, got %q", value)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("want a number, got %q", value)
		}
		return f, nil
	default:
		return value, nil
	}
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}
