// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Backend configuration
	Backends BackendsConfig `yaml:"backends"`

	// Certification settings
	Certify CertifyConfig `yaml:"certify"`

	// Answer cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// BackendsConfig groups the per-backend settings.
type BackendsConfig struct {
	Qwen   QwenConfig   `yaml:"qwen"`
	Llava  LlavaConfig  `yaml:"llava"`
	Gemini GeminiConfig `yaml:"gemini"`

	// RequestsPerSecond throttles calls to any backend. 0 = unlimited.
	RequestsPerSecond float64 `envconfig:"VLM_BACKEND_RPS" yaml:"requests_per_second"`
}

// QwenConfig holds settings for an OpenAI-compatible endpoint serving Qwen2-VL.
type QwenConfig struct {
	BaseURL   string        `envconfig:"VLM_QWEN_BASE_URL" yaml:"base_url"`
	APIKey    string        `envconfig:"VLM_QWEN_API_KEY" yaml:"api_key"`
	Model     string        `envconfig:"VLM_QWEN_MODEL" yaml:"model"`
	MaxTokens int           `envconfig:"VLM_QWEN_MAX_TOKENS" yaml:"max_tokens"`
	Timeout   time.Duration `envconfig:"VLM_QWEN_TIMEOUT" yaml:"timeout"`
}

// LlavaConfig holds settings for the local llava.cpp runner.
type LlavaConfig struct {
	Binary      string  `envconfig:"VLM_LLAVA_BINARY" yaml:"binary"`
	ModelPath   string  `envconfig:"VLM_LLAVA_MODEL" yaml:"model_path"`
	MMProjPath  string  `envconfig:"VLM_LLAVA_MMPROJ" yaml:"mmproj_path"`
	Temperature float64 `envconfig:"VLM_LLAVA_TEMPERATURE" yaml:"temperature"`
	MaxTokens   int     `envconfig:"VLM_LLAVA_MAX_TOKENS" yaml:"max_tokens"`
}

// GeminiConfig holds Google Gemini settings.
type GeminiConfig struct {
	APIKey    string `envconfig:"VLM_GEMINI_API_KEY" yaml:"api_key"`
	Model     string `envconfig:"VLM_GEMINI_MODEL" yaml:"model"`
	MaxTokens int    `envconfig:"VLM_GEMINI_MAX_TOKENS" yaml:"max_tokens"`
	Attempts  int    `envconfig:"VLM_GEMINI_ATTEMPTS" yaml:"attempts"`
}

// CertifyConfig holds certification settings.
type CertifyConfig struct {
	Confidence float64 `envconfig:"VLM_CONFIDENCE" yaml:"confidence"`
}

// CacheConfig holds answer cache settings.
type CacheConfig struct {
	Type     string `envconfig:"VLM_CACHE_TYPE" yaml:"type"` // none, memory, redis
	Size     int    `envconfig:"VLM_CACHE_SIZE" yaml:"size"`
	TTL      int    `envconfig:"VLM_CACHE_TTL" yaml:"ttl"` // seconds, 0 = no expiry
	RedisURL string `envconfig:"VLM_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type            string `envconfig:"VLM_BUS_TYPE" yaml:"type"`
	KafkaBrokers    string `envconfig:"VLM_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup      string `envconfig:"VLM_KAFKA_GROUP" yaml:"kafka_group"`
	EventLogEnabled bool   `envconfig:"VLM_EVENT_LOG_ENABLED" yaml:"event_log_enabled"`
	EventLogPath    string `envconfig:"VLM_EVENT_LOG_PATH" yaml:"event_log_path"`
}

// MetricsConfig holds metrics and run history settings.
type MetricsConfig struct {
	Persistence string `envconfig:"VLM_METRICS_PERSISTENCE" yaml:"persistence"` // memory, redis
	RedisURL    string `envconfig:"VLM_METRICS_REDIS_URL" yaml:"redis_url"`
	HistoryTTL  int    `envconfig:"VLM_HISTORY_TTL_HOURS" yaml:"history_ttl_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"VLM_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"VLM_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Defaults returns a configuration populated with default values.
func Defaults() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Backends = BackendsConfig{
		Qwen: QwenConfig{
			BaseURL:   "http://localhost:8000/v1",
			Model:     "Qwen/Qwen2-VL-7B-Instruct",
			MaxTokens: 156,
			Timeout:   5 * time.Minute,
		},
		Llava: LlavaConfig{
			Binary:      "./llava-cli",
			ModelPath:   "./models/llava-1.5-7b.gguf",
			MMProjPath:  "./models/llava-1.5-7b-mmproj.gguf",
			Temperature: 0.1,
			MaxTokens:   30,
		},
		Gemini: GeminiConfig{
			Model:     "gemini-1.5-flash",
			MaxTokens: 156,
			Attempts:  3,
		},
	}

	cfg.Certify = CertifyConfig{
		Confidence: 0.95,
	}

	cfg.Cache = CacheConfig{
		Type:     "none",
		Size:     10000,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:         "memory",
		KafkaGroup:   "vlm-certify",
		EventLogPath: "./data/events.jsonl",
	}

	cfg.Metrics = MetricsConfig{
		Persistence: "memory",
		RedisURL:    "redis://localhost:6379",
		HistoryTTL:  24 * 30,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Certify validation
	if c.Certify.Confidence <= 0 || c.Certify.Confidence >= 1 {
		errs = append(errs, "confidence must be between 0 and 1 (exclusive)")
	}

	// Backend validation
	if c.Backends.RequestsPerSecond < 0 {
		errs = append(errs, "requests_per_second must not be negative")
	}
	if c.Backends.Qwen.MaxTokens < 1 {
		errs = append(errs, "qwen max_tokens must be positive")
	}
	if c.Backends.Llava.MaxTokens < 1 {
		errs = append(errs, "llava max_tokens must be positive")
	}
	if c.Backends.Llava.Temperature < 0 {
		errs = append(errs, "llava temperature must not be negative")
	}
	if c.Backends.Gemini.MaxTokens < 1 {
		errs = append(errs, "gemini max_tokens must be positive")
	}
	if c.Backends.Gemini.Attempts < 1 {
		errs = append(errs, "gemini attempts must be positive")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"none": true, "memory": true, "redis": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be none, memory or redis)", c.Cache.Type))
	}
	if c.Cache.Type == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, "cache redis_url is required for redis cache")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for kafka bus")
	}
	if c.Bus.EventLogEnabled && c.Bus.EventLogPath == "" {
		errs = append(errs, "event_log_path is required when event logging is enabled")
	}

	// Metrics validation
	validPersistence := map[string]bool{"memory": true, "redis": true}
	if !validPersistence[c.Metrics.Persistence] {
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be memory or redis)", c.Metrics.Persistence))
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Alpha returns the two-sided significance level for the configured confidence.
func (c *Config) Alpha() float64 {
	return 1 - c.Certify.Confidence
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
