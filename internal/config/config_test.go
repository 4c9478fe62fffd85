package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, envs := range envBindings {
		for _, name := range envs {
			t.Setenv(name, "")
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Provider.Model, DefaultModel)
	}
	if cfg.Local.BaseURL != DefaultLocalBaseURL {
		t.Errorf("local baseUrl = %q, want %q", cfg.Local.BaseURL, DefaultLocalBaseURL)
	}
	if cfg.Pipeline.WorthEnqueueThreshold != DefaultWorthEnqueueThreshold {
		t.Errorf("threshold = %d, want %d", cfg.Pipeline.WorthEnqueueThreshold, DefaultWorthEnqueueThreshold)
	}
	if cfg.Sessions.StaleAfter != DefaultStaleAfter {
		t.Errorf("staleAfter = %q, want %q", cfg.Sessions.StaleAfter, DefaultStaleAfter)
	}
	if cfg.Signals.Stream != DefaultSignalStream {
		t.Errorf("stream = %q, want %q", cfg.Signals.Stream, DefaultSignalStream)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Provider.Model)
	}
	if cfg.Queue.BatchSize != DefaultBatchSize {
		t.Errorf("batchSize = %d, want %d", cfg.Queue.BatchSize, DefaultBatchSize)
	}
	if !cfg.Local.Enabled {
		t.Error("local tier should be enabled by default")
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".lorekeeper")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	testCfg := map[string]any{
		"provider": map[string]any{
			"model":  "claude-opus-4-20250514",
			"apiKey": "sk-test-key",
			"pricing": map[string]any{
				"claude-opus-4-20250514": map[string]any{"input": 1500, "output": 7500},
			},
		},
		"pipeline": map[string]any{
			"worthEnqueueThreshold": 5,
		},
		"channels": map[string]any{
			"telegram": map[string]any{
				"enabled": true,
				"chats":   map[string]any{"*": 4242},
			},
		},
	}
	data, _ := json.MarshalIndent(testCfg, "", "  ")
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.Model != "claude-opus-4-20250514" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.APIKey != "sk-test-key" {
		t.Errorf("apiKey = %q, want sk-test-key", cfg.Provider.APIKey)
	}
	if cfg.Pipeline.WorthEnqueueThreshold != 5 {
		t.Errorf("threshold = %d, want 5", cfg.Pipeline.WorthEnqueueThreshold)
	}
	if got := cfg.Provider.Pricing["claude-opus-4-20250514"].Output; got != 7500 {
		t.Errorf("pricing output = %v, want 7500", got)
	}
	if cfg.Channels.Telegram.Chats["*"] != 4242 {
		t.Errorf("telegram chats = %v", cfg.Channels.Telegram.Chats)
	}
	// untouched sections keep their defaults
	if cfg.Sessions.MaxToolResult != DefaultMaxToolResult {
		t.Errorf("maxToolResult = %d, want %d", cfg.Sessions.MaxToolResult, DefaultMaxToolResult)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		envKey  string
		envVal  string
		wantKey string
	}{
		{"LOREKEEPER_API_KEY", "LOREKEEPER_API_KEY", "lk-key", "lk-key"},
		{"ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY", "anthropic-key", "anthropic-key"},
		{"ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_AUTH_TOKEN", "auth-token", "auth-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig error: %v", err)
			}
			if cfg.Provider.APIKey != tt.wantKey {
				t.Errorf("apiKey = %q, want %q", cfg.Provider.APIKey, tt.wantKey)
			}
		})
	}
}

func TestLoadConfig_EnvPriority(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	t.Setenv("LOREKEEPER_API_KEY", "lk-wins")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-loses")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "lk-wins" {
		t.Errorf("apiKey = %q, want lk-wins", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_OpenAIKeyImpliesProvider(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.Type != "openai" {
		t.Errorf("type = %q, want openai", cfg.Provider.Type)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("apiKey = %q, want sk-openai", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_StoreAndRedisEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	t.Setenv("LOREKEEPER_DB_PATH", "/tmp/lk.db")
	t.Setenv("LOREKEEPER_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("LOREKEEPER_LOCAL_ENABLED", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.DBPath() != "/tmp/lk.db" {
		t.Errorf("dbPath = %q", cfg.DBPath())
	}
	if cfg.Signals.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("redisAddr = %q", cfg.Signals.RedisAddr)
	}
	if cfg.Local.Enabled {
		t.Error("local tier should be disabled by env")
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "test-key"

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, ".lorekeeper", "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if loaded.Provider.APIKey != "test-key" {
		t.Errorf("apiKey = %q, want test-key", loaded.Provider.APIKey)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		raw      string
		fallback time.Duration
		want     time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"10m", time.Minute, 10 * time.Minute},
		{"garbage", time.Second, time.Second},
		{"-5s", time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := Duration(tt.raw, tt.fallback); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
