package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for Nexus.
// It is loaded from ~/.nexus/config.yaml and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Routing   RoutingConfig   `mapstructure:"routing" yaml:"routing"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// AllowedOrigins is used for CORS and WebSocket origin checks. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LLMConfig contains configuration for the Ollama inference engine.
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`

	// Timeouts in seconds. See llm.TimeoutConfig.
	ConnectionTimeout int `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	FirstTokenTimeout int `mapstructure:"first_token_timeout" yaml:"first_token_timeout"`
	StreamIdleTimeout int `mapstructure:"stream_idle_timeout" yaml:"stream_idle_timeout"`

	EmbeddingModel    string `mapstructure:"embedding_model" yaml:"embedding_model"`
	EmbeddingCacheTTL int    `mapstructure:"embedding_cache_ttl" yaml:"embedding_cache_ttl"` // seconds
	EmbeddingCacheMax int    `mapstructure:"embedding_cache_max" yaml:"embedding_cache_max"`
}

// TierConfig binds a routing tier to a concrete model.
type TierConfig struct {
	Model         string `mapstructure:"model" yaml:"model"`
	ContextWindow int    `mapstructure:"context_window" yaml:"context_window"`
	Latency       string `mapstructure:"latency" yaml:"latency"`
}

// RoutingConfig configures the model router and context budgets.
type RoutingConfig struct {
	Tiers map[string]TierConfig `mapstructure:"tiers" yaml:"tiers"`

	// ResponseReserve is the number of tokens kept free for the model's answer.
	ResponseReserve int `mapstructure:"response_reserve" yaml:"response_reserve"`

	// HistoryReserve is the share of the window kept for conversation history (0..1).
	HistoryReserve float64 `mapstructure:"history_reserve" yaml:"history_reserve"`

	// PreferenceMinOverrides and PreferenceMinAgreement control override learning.
	PreferenceMinOverrides int `mapstructure:"preference_min_overrides" yaml:"preference_min_overrides"`
	PreferenceMinAgreement int `mapstructure:"preference_min_agreement" yaml:"preference_min_agreement"`
}

// RetrievalConfig configures the context assembler.
type RetrievalConfig struct {
	TopK           int     `mapstructure:"top_k" yaml:"top_k"`
	MemoryLimit    int     `mapstructure:"memory_limit" yaml:"memory_limit"`
	MinChunkScore  float64 `mapstructure:"min_chunk_score" yaml:"min_chunk_score"`
	MinMemoryScore float64 `mapstructure:"min_memory_score" yaml:"min_memory_score"`
	ChunkSize      int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int     `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
}

// HistoryConfig configures the conversation window sent with each turn.
type HistoryConfig struct {
	MaxMessages int `mapstructure:"max_messages" yaml:"max_messages"`
}

// MemoryConfig configures extraction workers and maintenance jobs.
type MemoryConfig struct {
	Workers       int     `mapstructure:"workers" yaml:"workers"`
	QueueSize     int     `mapstructure:"queue_size" yaml:"queue_size"`
	DecaySchedule string  `mapstructure:"decay_schedule" yaml:"decay_schedule"` // cron spec, empty disables
	DecayHalfLife int     `mapstructure:"decay_half_life_days" yaml:"decay_half_life_days"`
	DecayFloor    float64 `mapstructure:"decay_floor" yaml:"decay_floor"`
	PurgeAfter    int     `mapstructure:"purge_after_days" yaml:"purge_after_days"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// RedisConfig configures the optional turn event stream. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
	MaxLen   int64  `mapstructure:"max_len" yaml:"max_len"`
}

// Default returns a configuration with sensible defaults for a local install.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			AllowedOrigins: []string{"http://localhost:1420", "tauri://localhost"},
		},
		LLM: LLMConfig{
			Endpoint:          "http://127.0.0.1:11434",
			Temperature:       0.7,
			MaxTokens:         2048,
			ConnectionTimeout: 30,
			FirstTokenTimeout: 120,
			StreamIdleTimeout: 30,
			EmbeddingModel:    "nomic-embed-text",
			EmbeddingCacheTTL: 3600,
			EmbeddingCacheMax: 1000,
		},
		Routing: RoutingConfig{
			Tiers: map[string]TierConfig{
				"fast":     {Model: "llama3.1:8b", ContextWindow: 8192, Latency: "low"},
				"balanced": {Model: "mistral:7b", ContextWindow: 16384, Latency: "medium"},
				"document": {Model: "qwen2.5:14b", ContextWindow: 32768, Latency: "medium"},
				"quality":  {Model: "llama3.1:70b-q4", ContextWindow: 65536, Latency: "high"},
			},
			ResponseReserve:        1024,
			HistoryReserve:         0.25,
			PreferenceMinOverrides: 3,
			PreferenceMinAgreement: 2,
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			MemoryLimit:    10,
			MinChunkScore:  0.2,
			MinMemoryScore: 0.25,
			ChunkSize:      1000,
			ChunkOverlap:   200,
		},
		History: HistoryConfig{
			MaxMessages: 20,
		},
		Memory: MemoryConfig{
			Workers:       2,
			QueueSize:     64,
			DecaySchedule: "0 3 * * *",
			DecayHalfLife: 90,
			DecayFloor:    0.3,
			PurgeAfter:    30,
		},
		Database: DatabaseConfig{
			DataDir: "~/.nexus",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.nexus/logs/nexus.log",
			Console: true,
		},
		Redis: RedisConfig{
			Stream: "nexus:turns",
			MaxLen: 10000,
		},
	}
}

// Load reads configuration from the default location (~/.nexus/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return LoadFromPath(filepath.Join(homeDir, ".nexus", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: NEXUS_LLM_ENDPOINT, NEXUS_SERVER_PORT
	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so keys missing in an older file keep their values.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Database.DataDir = expandPath(cfg.Database.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TierNames returns the configured tier names sorted by context window, smallest first.
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Routing.Tiers))
	for name := range c.Routing.Tiers {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		wi, wj := c.Routing.Tiers[names[i]].ContextWindow, c.Routing.Tiers[names[j]].ContextWindow
		if wi == wj {
			return names[i] < names[j]
		}
		return wi < wj
	})
	return names
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint cannot be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}

	for _, required := range []string{"fast", "balanced", "document", "quality"} {
		tier, ok := c.Routing.Tiers[required]
		if !ok {
			return fmt.Errorf("routing tier '%s' not configured", required)
		}
		if tier.Model == "" {
			return fmt.Errorf("routing tier '%s' has no model", required)
		}
		if tier.ContextWindow <= 0 {
			return fmt.Errorf("routing tier '%s' needs a positive context_window", required)
		}
	}
	if c.Routing.HistoryReserve < 0 || c.Routing.HistoryReserve >= 1 {
		return fmt.Errorf("routing.history_reserve must be in [0,1)")
	}
	if c.Routing.ResponseReserve < 0 {
		return fmt.Errorf("routing.response_reserve cannot be negative")
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap must be smaller than chunk_size")
	}

	if c.History.MaxMessages < 0 {
		return fmt.Errorf("history.max_messages cannot be negative")
	}
	if c.Memory.Workers <= 0 {
		return fmt.Errorf("memory.workers must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
