package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks configuration constraints and returns the first violation.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Report.LocalTZ); err != nil {
		return fmt.Errorf("report.local_tz %q: %w", c.Report.LocalTZ, err)
	}
	if strings.TrimSpace(c.Report.ArtifactDir) == "" {
		return fmt.Errorf("report.artifact_dir must be set")
	}
	if c.Report.BaseCurrency == "" {
		return fmt.Errorf("report.base_currency must be set")
	}
	if c.Report.LossThreshold >= 0 {
		return fmt.Errorf("report.loss_threshold must be < 0, got %f", c.Report.LossThreshold)
	}
	if c.Report.CoverageTolerance < 0 {
		return fmt.Errorf("report.coverage_tolerance must be >= 0, got %v", c.Report.CoverageTolerance)
	}

	if c.Binance.BaseURL == "" {
		return fmt.Errorf("binance.base_url must be set")
	}
	if c.Binance.MaxRetries < 0 {
		return fmt.Errorf("binance.max_retries must be >= 0, got %d", c.Binance.MaxRetries)
	}
	if c.Binance.BackoffBase <= 0 || c.Binance.BackoffMax < c.Binance.BackoffBase {
		return fmt.Errorf("binance backoff must satisfy 0 < backoff_base <= backoff_max, got %v/%v",
			c.Binance.BackoffBase, c.Binance.BackoffMax)
	}
	if c.Binance.MinInterval < 0 {
		return fmt.Errorf("binance.min_interval must be >= 0, got %v", c.Binance.MinInterval)
	}

	if c.MarketSync.Concurrency < 1 {
		return fmt.Errorf("market_sync.concurrency must be >= 1, got %d", c.MarketSync.Concurrency)
	}

	seen := make(map[string]bool, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.Exchange == "" || ex.AccountID == "" {
			return fmt.Errorf("exchanges[%d]: exchange and account_id must be set", i)
		}
		key := ex.Exchange + "/" + ex.AccountID
		if seen[key] {
			return fmt.Errorf("exchanges[%d]: duplicate account %s", i, key)
		}
		seen[key] = true
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	return nil
}
