package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultEscalationModel = "claude-haiku-4-5-20251001"
	DefaultMaxTokens       = 1024
	DefaultLocalBaseURL    = "http://127.0.0.1:11434"
	DefaultLocalModel      = "qwen2.5:3b"
	DefaultLocalEmbedModel = "nomic-embed-text"
	DefaultEmbeddingModel  = "text-embedding-3-small"
	DefaultEmbedBatchSize  = 64
	DefaultEmbedTimeoutMs  = 15000
	DefaultEmbedCacheBytes = 64 << 20

	DefaultPollInterval = "2s"
	DefaultBatchSize    = 5
	DefaultConcurrency  = 1
	DefaultStallTimeout = "15m"
	DefaultRetention    = "168h"

	DefaultWorthEnqueueThreshold = 3
	DefaultThreadMinEvents       = 5
	DefaultThreadRecheck         = "24h"
	DefaultThreadQuiet           = "1h"
	DefaultContextBefore         = "10m"
	DefaultContextAfter          = "3m"
	DefaultContextBeforeCount    = 5
	DefaultContextAfterCount     = 3

	DefaultMaxToolIterations = 3
	DefaultStaleAfter        = "5m"
	DefaultMaxToolResult     = 4000

	DefaultSessionSweepExpr = "0 * * * * *"
	DefaultThreadSweepExpr  = "0 */10 * * * *"
	DefaultRequeueExpr      = "30 * * * * *"
	DefaultExpireExpr       = "45 * * * * *"
	DefaultPurgeExpr        = "0 30 3 * * *"

	DefaultSignalStream   = "lorekeeper:signals"
	DefaultSignalGroup    = "lorekeeper"
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultLogLevel       = "info"
	DefaultMonthlyBudget  = 0.0
	DefaultResponseBuffer = 100
)

type Config struct {
	Store       StoreConfig       `json:"store"`
	Provider    ProviderConfig    `json:"provider"`
	Local       LocalConfig       `json:"local"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Budget      BudgetConfig      `json:"budget"`
	Queue       QueueConfig       `json:"queue"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Agent       AgentConfig       `json:"agent"`
	Sessions    SessionsConfig    `json:"sessions"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Signals     SignalsConfig     `json:"signals"`
	Channels    ChannelsConfig    `json:"channels"`
	Metrics     MetricsConfig     `json:"metrics"`
	Log         LogConfig         `json:"log"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

// ProviderConfig describes the remote (expensive) model backend.
type ProviderConfig struct {
	Type            string                 `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey          string                 `json:"apiKey"`
	BaseURL         string                 `json:"baseUrl,omitempty"`
	Model           string                 `json:"model"`
	EscalationModel string                 `json:"escalationModel,omitempty"`
	MaxTokens       int                    `json:"maxTokens"`
	Pricing         map[string]PriceConfig `json:"pricing,omitempty"`
}

// PriceConfig is expressed in cents per million tokens.
type PriceConfig struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// LocalConfig describes the cheap model served by ollama.
type LocalConfig struct {
	Enabled    bool   `json:"enabled"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model"`
	EmbedModel string `json:"embedModel"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

type EmbeddingConfig struct {
	Model      string `json:"model"`
	BaseURL    string `json:"baseUrl,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Dimension  int    `json:"dimension,omitempty"`
	BatchSize  int    `json:"batchSize,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
	CacheBytes int64  `json:"cacheBytes,omitempty"`
}

type BudgetConfig struct {
	// MonthlyLimitCents applies to workspaces without their own limit. Zero means unlimited.
	MonthlyLimitCents float64 `json:"monthlyLimitCents"`
}

type QueueConfig struct {
	PollInterval string `json:"pollInterval"`
	BatchSize    int    `json:"batchSize"`
	Concurrency  int    `json:"concurrency"`
	StallTimeout string `json:"stallTimeout"`
	Retention    string `json:"retention"`
}

type PipelineConfig struct {
	WorthEnqueueThreshold int    `json:"worthEnqueueThreshold"`
	ThreadMinEvents       int    `json:"threadMinEvents"`
	ThreadRecheck         string `json:"threadRecheck"`
	ThreadQuiet           string `json:"threadQuiet"`
	ContextBefore         string `json:"contextBefore"`
	ContextAfter          string `json:"contextAfter"`
	ContextBeforeCount    int    `json:"contextBeforeCount"`
	ContextAfterCount     int    `json:"contextAfterCount"`
}

type AgentConfig struct {
	Model             string `json:"model,omitempty"`
	MaxTokens         int    `json:"maxTokens,omitempty"`
	MaxToolIterations int    `json:"maxToolIterations"`
}

type SessionsConfig struct {
	StaleAfter    string `json:"staleAfter"`
	MaxToolResult int    `json:"maxToolResult"`
}

// MaintenanceConfig holds six-field cron expressions (seconds first).
type MaintenanceConfig struct {
	SessionSweep string `json:"sessionSweep"`
	ThreadSweep  string `json:"threadSweep"`
	Requeue      string `json:"requeue"`
	Expire       string `json:"expire"`
	Purge        string `json:"purge"`
}

type SignalsConfig struct {
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
	Stream        string `json:"stream"`
	Group         string `json:"group"`
	Consumer      string `json:"consumer,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig mirrors agent responses into Telegram chats and, with
// Inbound set, ingests the chats the bot can read.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// Chats maps a stream id (or "*") to a Telegram chat id.
	Chats     map[string]int64 `json:"chats,omitempty"`
	Proxy     string           `json:"proxy,omitempty"`
	Inbound   bool             `json:"inbound,omitempty"`
	Workspace string           `json:"workspace,omitempty"`
}

const DefaultTelegramWorkspace = "telegram"

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"` // "console" or "json"
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{},
		Provider: ProviderConfig{
			Model:           DefaultModel,
			EscalationModel: DefaultEscalationModel,
			MaxTokens:       DefaultMaxTokens,
		},
		Local: LocalConfig{
			Enabled:    true,
			BaseURL:    DefaultLocalBaseURL,
			Model:      DefaultLocalModel,
			EmbedModel: DefaultLocalEmbedModel,
		},
		Embedding: EmbeddingConfig{
			Model:      DefaultEmbeddingModel,
			BatchSize:  DefaultEmbedBatchSize,
			TimeoutMs:  DefaultEmbedTimeoutMs,
			CacheBytes: DefaultEmbedCacheBytes,
		},
		Budget: BudgetConfig{MonthlyLimitCents: DefaultMonthlyBudget},
		Queue: QueueConfig{
			PollInterval: DefaultPollInterval,
			BatchSize:    DefaultBatchSize,
			Concurrency:  DefaultConcurrency,
			StallTimeout: DefaultStallTimeout,
			Retention:    DefaultRetention,
		},
		Pipeline: PipelineConfig{
			WorthEnqueueThreshold: DefaultWorthEnqueueThreshold,
			ThreadMinEvents:       DefaultThreadMinEvents,
			ThreadRecheck:         DefaultThreadRecheck,
			ThreadQuiet:           DefaultThreadQuiet,
			ContextBefore:         DefaultContextBefore,
			ContextAfter:          DefaultContextAfter,
			ContextBeforeCount:    DefaultContextBeforeCount,
			ContextAfterCount:     DefaultContextAfterCount,
		},
		Agent: AgentConfig{
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Sessions: SessionsConfig{
			StaleAfter:    DefaultStaleAfter,
			MaxToolResult: DefaultMaxToolResult,
		},
		Maintenance: MaintenanceConfig{
			SessionSweep: DefaultSessionSweepExpr,
			ThreadSweep:  DefaultThreadSweepExpr,
			Requeue:      DefaultRequeueExpr,
			Expire:       DefaultExpireExpr,
			Purge:        DefaultPurgeExpr,
		},
		Signals: SignalsConfig{
			Stream: DefaultSignalStream,
			Group:  DefaultSignalGroup,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".lorekeeper")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath resolves the sqlite path, defaulting under the config dir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "lorekeeper.db")
}

// envBindings lists, per key, the variables consulted in priority order.
var envBindings = map[string][]string{
	"provider::apiKey":          {"LOREKEEPER_API_KEY", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY"},
	"provider::baseUrl":         {"LOREKEEPER_BASE_URL", "ANTHROPIC_BASE_URL"},
	"provider::type":            {"LOREKEEPER_PROVIDER"},
	"provider::model":           {"LOREKEEPER_MODEL"},
	"store::dbPath":             {"LOREKEEPER_DB_PATH"},
	"local::baseUrl":            {"LOREKEEPER_LOCAL_BASE_URL"},
	"local::enabled":            {"LOREKEEPER_LOCAL_ENABLED"},
	"embedding::apiKey":         {"LOREKEEPER_EMBEDDING_API_KEY"},
	"embedding::baseUrl":        {"LOREKEEPER_EMBEDDING_BASE_URL"},
	"signals::redisAddr":        {"LOREKEEPER_REDIS_ADDR"},
	"channels::telegram::token": {"LOREKEEPER_TELEGRAM_TOKEN"},
	"log::level":                {"LOREKEEPER_LOG_LEVEL"},
	"metrics::addr":             {"LOREKEEPER_METRICS_ADDR"},
}

func LoadConfig() (*Config, error) {
	// "::" keeps dotted model names in pricing maps intact.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigType("json")

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(ConfigPath()); err == nil {
		v.SetConfigFile(ConfigPath())
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// An OpenAI key on its own implies the OpenAI provider.
	if cfg.Provider.Type == "" && os.Getenv("OPENAI_API_KEY") != "" &&
		os.Getenv("LOREKEEPER_API_KEY") == "" && os.Getenv("ANTHROPIC_API_KEY") == "" &&
		os.Getenv("ANTHROPIC_AUTH_TOKEN") == "" {
		cfg.Provider.Type = "openai"
	}

	cfg.applyFallbacks()
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	def := DefaultConfig()
	if c.Provider.Model == "" {
		c.Provider.Model = def.Provider.Model
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = def.Queue.BatchSize
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = def.Queue.Concurrency
	}
	if c.Pipeline.ThreadMinEvents <= 0 {
		c.Pipeline.ThreadMinEvents = def.Pipeline.ThreadMinEvents
	}
	if c.Sessions.MaxToolResult <= 0 {
		c.Sessions.MaxToolResult = def.Sessions.MaxToolResult
	}
	if c.Agent.MaxToolIterations <= 0 {
		c.Agent.MaxToolIterations = def.Agent.MaxToolIterations
	}
	if c.Signals.Stream == "" {
		c.Signals.Stream = def.Signals.Stream
	}
	if c.Signals.Group == "" {
		c.Signals.Group = def.Signals.Group
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Duration parses a config duration string, returning fallback when empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
