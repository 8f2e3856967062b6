package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
)

type Config struct {
	Target  TargetConfig  `json:"target"`
	Proxies ProxiesConfig `json:"proxies"`
	Run     RunConfig     `json:"run"`
	Pool    PoolConfig    `json:"pool"`
	Check   CheckConfig   `json:"check"`
	API     APIConfig     `json:"api"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

type TargetConfig struct {
	URL string `json:"url"`
}

type ProxiesConfig struct {
	File    string   `json:"file"`
	Sources []Source `json:"sources"`
	// Scheme applied to list entries that carry none.
	DefaultScheme string `json:"default_scheme"`
	UserAgent     string `json:"user_agent"`
}

type Source struct {
	URL     string `json:"url"`
	Scheme  string `json:"scheme"` // "http", "socks4", "socks5", "" = auto
	Enabled bool   `json:"enabled"`
}

type RunConfig struct {
	Workers         int    `json:"workers"`
	DurationSeconds int    `json:"duration_seconds"`
	RequestLimit    int64  `json:"request_limit"`
	TimeoutMs       int    `json:"timeout_ms"`
	DelayMinMs      int    `json:"delay_min_ms"`
	DelayMaxMs      int    `json:"delay_max_ms"`
	RateLimitRPS    int    `json:"rate_limit_rps"`
	SuccessPolicy   string `json:"success_policy"` // "2xx" or "any-response"
}

type PoolConfig struct {
	DegradedThreshold  int `json:"degraded_threshold"`
	BannedThreshold    int `json:"banned_threshold"`
	ExhaustedBackoffMs int `json:"exhausted_backoff_ms"`
}

type CheckConfig struct {
	Enabled     bool   `json:"enabled"`
	TestURL     string `json:"test_url"`
	TimeoutMs   int    `json:"timeout_ms"`
	Concurrency int    `json:"concurrency"`
	OutputFile  string `json:"output_file"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled"`
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type string `json:"type"` // "file", "sqlite", "redis"
	Path string `json:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.filePath = filePath
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.Proxies.File == "" {
		c.Proxies.File = "proxies.txt"
	}
	if c.Proxies.DefaultScheme == "" {
		c.Proxies.DefaultScheme = "http"
	}
	if c.Run.Workers == 0 {
		c.Run.Workers = 5
	}
	if c.Run.TimeoutMs == 0 {
		c.Run.TimeoutMs = 10000
	}
	if c.Run.SuccessPolicy == "" {
		c.Run.SuccessPolicy = "2xx"
	}
	if c.Pool.DegradedThreshold == 0 {
		c.Pool.DegradedThreshold = 3
	}
	if c.Pool.BannedThreshold == 0 {
		c.Pool.BannedThreshold = 6
	}
	if c.Pool.ExhaustedBackoffMs == 0 {
		c.Pool.ExhaustedBackoffMs = 500
	}
	if c.Check.TestURL == "" {
		c.Check.TestURL = "https://www.google.com/generate_204"
	}
	if c.Check.TimeoutMs == 0 {
		c.Check.TimeoutMs = 10000
	}
	if c.Check.Concurrency == 0 {
		c.Check.Concurrency = 100
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "runs/report.json"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "loadgen"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Reload re-reads the config file in place. On error the current
// configuration is kept. Section structs are copied individually so the
// mutex survives the swap.
func (c *Config) Reload() error {
	newCfg, err := Load(c.filePath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Target = newCfg.Target
	c.Proxies = newCfg.Proxies
	c.Run = newCfg.Run
	c.Pool = newCfg.Pool
	c.Check = newCfg.Check
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target url is required")
	}
	u, err := url.Parse(c.Target.URL)
	if err != nil {
		return fmt.Errorf("target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("target url has no host")
	}
	if c.Run.Workers < 1 || c.Run.Workers > 100000 {
		return fmt.Errorf("workers must be between 1 and 100000")
	}
	if c.Run.TimeoutMs < 100 || c.Run.TimeoutMs > 300000 {
		return fmt.Errorf("timeout_ms must be between 100 and 300000")
	}
	if c.Run.DelayMinMs < 0 || c.Run.DelayMaxMs < c.Run.DelayMinMs {
		return fmt.Errorf("delay range invalid: min=%d max=%d", c.Run.DelayMinMs, c.Run.DelayMaxMs)
	}
	if c.Run.SuccessPolicy != "2xx" && c.Run.SuccessPolicy != "any-response" {
		return fmt.Errorf("success_policy must be '2xx' or 'any-response'")
	}
	if c.Pool.BannedThreshold <= c.Pool.DegradedThreshold {
		return fmt.Errorf("banned_threshold must be greater than degraded_threshold")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	return nil
}
