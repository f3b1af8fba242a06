// Package config provides unified configuration loading for the offer pipeline.
// Supports YAML files, .env files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spherical/flyer-offers/internal/domain"
)

// Config holds all configuration for the pipeline.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Extract       ExtractConfig       `yaml:"extract"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Render        RenderConfig        `yaml:"render"`
	OCR           OCRConfig           `yaml:"ocr"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
	Retailers     []RetailerConfig    `yaml:"retailers"`
}

// LLMConfig holds vision model settings.
type LLMConfig struct {
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// DispatchConfig holds batch dispatcher settings.
type DispatchConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	BatchPause     time.Duration `yaml:"batch_pause"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ExtractConfig holds candidate extraction settings.
type ExtractConfig struct {
	WindowBefore  int    `yaml:"window_before"`
	WindowAfter   int    `yaml:"window_after"`
	ImageStrategy string `yaml:"image_strategy"` // llm or ocr
}

// StorageConfig holds offer store settings.
type StorageConfig struct {
	Driver       string `yaml:"driver"` // memory, sqlite or postgres
	DSN          string `yaml:"dsn"`
	SnapshotPath string `yaml:"snapshot_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// CacheConfig holds extraction cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RenderConfig holds render collaborator settings.
type RenderConfig struct {
	Driver    string        `yaml:"driver"` // rod or static
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// OCRConfig holds tesseract settings.
type OCRConfig struct {
	Binary   string        `yaml:"binary"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PipelineConfig holds run orchestration settings.
type PipelineConfig struct {
	AssetsDir         string `yaml:"assets_dir"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// SourceConfig says where a retailer's weekly flyer comes from.
type SourceConfig struct {
	Kind string `yaml:"kind"` // pdf, html, render, text, images
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// RetailerConfig is one retailer profile.
type RetailerConfig struct {
	Name          string            `yaml:"name"`
	Source        SourceConfig      `yaml:"source"`
	Brands        map[string]string `yaml:"brands"`
	Boilerplate   []string          `yaml:"boilerplate"`
	ScriptIDs     []string          `yaml:"script_ids"`
	ImageStrategy string            `yaml:"image_strategy"`
}

// Load reads .env, then the YAML file at path (optional), then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ConfigError("read config file", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.ConfigError("parse config file", err)
		}

		if cfg.Pipeline.AssetsDir != "" {
			cfg.Pipeline.AssetsDir = ResolveRelativePath(path, cfg.Pipeline.AssetsDir)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, domain.ConfigError("validate config", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:             "google/gemini-2.5-flash",
			BaseURL:           "https://openrouter.ai/api/v1/chat/completions",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			MaxTokens:         4096,
		},
		Dispatch: DispatchConfig{
			BatchSize:      5,
			BatchPause:     time.Second,
			CallTimeout:    60 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Extract: ExtractConfig{
			WindowBefore:  5,
			WindowAfter:   2,
			ImageStrategy: "llm",
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "offers.db",
			MaxOpenConns: 1,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Driver:     "memory",
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Render: RenderConfig{
			Driver:    "rod",
			Timeout:   3 * time.Minute,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		},
		OCR: OCRConfig{
			Binary:   "tesseract",
			Language: "deu",
			Timeout:  60 * time.Second,
		},
		Pipeline: PipelineConfig{
			AssetsDir:         "assets",
			MaxConcurrentRuns: 4,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage dsn required for driver %s", c.Storage.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Render.Driver != "rod" && c.Render.Driver != "static" {
		return fmt.Errorf("invalid render driver: %s", c.Render.Driver)
	}

	if err := validateStrategy(c.Extract.ImageStrategy); err != nil {
		return err
	}

	if c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	if c.Extract.WindowBefore < 0 || c.Extract.WindowAfter < 0 {
		return fmt.Errorf("extraction window must not be negative")
	}

	if c.Pipeline.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1")
	}

	seen := make(map[domain.Retailer]bool)
	for _, rc := range c.Retailers {
		r, err := domain.ParseRetailer(rc.Name)
		if err != nil {
			return err
		}
		if seen[r] {
			return fmt.Errorf("retailer %s configured twice", r)
		}
		seen[r] = true
		if rc.ImageStrategy != "" {
			if err := validateStrategy(rc.ImageStrategy); err != nil {
				return fmt.Errorf("retailer %s: %w", r, err)
			}
		}
	}

	return nil
}

// Retailer returns the profile for r, or a bare profile when none is configured.
func (c *Config) Retailer(r domain.Retailer) RetailerConfig {
	for _, rc := range c.Retailers {
		if parsed, err := domain.ParseRetailer(rc.Name); err == nil && parsed == r {
			return rc
		}
	}
	return RetailerConfig{Name: string(r)}
}

// ImageStrategyFor returns the retailer's image strategy, falling back to the global one.
func (c *Config) ImageStrategyFor(r domain.Retailer) string {
	if s := c.Retailer(r).ImageStrategy; s != "" {
		return s
	}
	return c.Extract.ImageStrategy
}

func validateStrategy(s string) error {
	if s != "llm" && s != "ocr" {
		return fmt.Errorf("invalid image strategy: %s", s)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		switch {
		case strings.HasPrefix(v, "sqlite:"):
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.DSN = strings.TrimPrefix(v, "sqlite:")
		case strings.HasPrefix(v, "postgres"):
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DSN = v
		case v == "memory":
			cfg.Storage.Driver = "memory"
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Observability.MetricsAddr = v
	}

	if v := os.Getenv("ASSETS_DIR"); v != "" {
		cfg.Pipeline.AssetsDir = v
	}

	if v := os.Getenv("MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxConcurrentRuns = n
		}
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
