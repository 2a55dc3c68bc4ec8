// Package config loads runtime configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Storage    StorageConfig     `yaml:"storage"`
	Binance    BinanceConfig     `yaml:"binance"`
	Report     ReportConfig      `yaml:"report"`
	MarketSync MarketSyncConfig  `yaml:"market_sync"`
	Exchanges  []ExchangeAccount `yaml:"exchanges"`
	Server     ServerConfig      `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
}

// StorageConfig selects durable backends. Empty DSNs mean in-memory stores.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
}

// BinanceConfig configures the public market-data connector.
type BinanceConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MinInterval      time.Duration `yaml:"min_interval"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerOpenDelay time.Duration `yaml:"breaker_open_delay"`
}

// ReportConfig configures report runs.
type ReportConfig struct {
	LocalTZ           string        `yaml:"local_tz"`
	ArtifactDir       string        `yaml:"artifact_dir"`
	BaseCurrency      string        `yaml:"base_currency"`
	EnableOIFetch     bool          `yaml:"enable_oi_fetch"`
	LossThreshold     float64       `yaml:"loss_threshold"`
	CoverageTolerance time.Duration `yaml:"coverage_tolerance"`
}

// MarketSyncConfig configures the standalone market backfill.
type MarketSyncConfig struct {
	Preset      string   `yaml:"preset"`
	Symbols     []string `yaml:"symbols"`
	Concurrency int      `yaml:"concurrency"`
}

// ExchangeAccount is one configured ledger source.
type ExchangeAccount struct {
	Exchange   string        `yaml:"exchange"`
	AccountID  string        `yaml:"account_id"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	BaseURL    string        `yaml:"base_url"`
	RecvWindow time.Duration `yaml:"recv_window"`
	Symbols    []string      `yaml:"symbols"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"api_token"` // empty disables the X-API-Token check
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Binance: BinanceConfig{
			BaseURL:          "https://fapi.binance.com",
			Timeout:          20 * time.Second,
			MaxRetries:       5,
			BackoffBase:      500 * time.Millisecond,
			BackoffMax:       8 * time.Second,
			MinInterval:      100 * time.Millisecond,
			BreakerFailures:  5,
			BreakerOpenDelay: 30 * time.Second,
		},
		Report: ReportConfig{
			LocalTZ:           "Asia/Singapore",
			ArtifactDir:       "artifacts",
			BaseCurrency:      "USDT",
			EnableOIFetch:     true,
			LossThreshold:     -100,
			CoverageTolerance: time.Hour,
		},
		MarketSync: MarketSyncConfig{
			Preset:      "last_30d",
			Concurrency: 4,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TEL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TEL_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("TEL_CLICKHOUSE_DSN"); v != "" {
		c.Storage.ClickhouseDSN = v
	}
	if v := os.Getenv("TEL_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("TEL_LOCAL_TZ")); v != "" {
		c.Report.LocalTZ = v
	}
	if v := os.Getenv("TEL_ARTIFACT_DIR"); v != "" {
		c.Report.ArtifactDir = v
	}
	if v := strings.TrimSpace(os.Getenv("TEL_ENABLE_OI_FETCH")); v != "" {
		c.Report.EnableOIFetch = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TEL_API_TOKEN"); v != "" {
		c.Server.APIToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TEL_LOG_LEVEL")); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}
