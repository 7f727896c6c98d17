package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mailrun/mailrun/internal/queue"
)

// ErrConfig marks fatal pre-flight configuration errors; the process
// aborts before any send when one is raised.
var ErrConfig = errors.New("config error")

// Config represents the application configuration
type Config struct {
	Campaign struct {
		ID       string `toml:"id"`
		Subject  string `toml:"subject"`
		BodyFile string `toml:"body_file"`
	} `toml:"campaign"`

	Engine struct {
		Strategy           string  `toml:"strategy"` // balanced, weighted, priority
		MaxRetries         int     `toml:"max_retries"`
		BaseDelaySec       float64 `toml:"base_delay_sec"`
		BackoffMultiplier  float64 `toml:"backoff_multiplier"`
		MaxDelaySec        float64 `toml:"max_delay_sec"`
		FailureThreshold   float64 `toml:"failure_threshold"` // 0..1
		FailureWindowSec   float64 `toml:"failure_window_sec"`
		CooldownSec        float64 `toml:"cooldown_sec"`
		RebalanceThreshold float64 `toml:"rebalance_threshold"` // 0..1
		RebalanceSec       float64 `toml:"rebalance_sec"`
		MaxWorkers         int     `toml:"max_workers"`
		DeliveryTimeoutSec float64 `toml:"delivery_timeout_sec"`
		InflightStaleSec   float64 `toml:"inflight_stale_sec"`
		DryRun             bool    `toml:"dry_run"`
	} `toml:"engine"`

	Global struct {
		EmailsPerMinute int `toml:"emails_per_minute"`
		EmailsPerHour   int `toml:"emails_per_hour"`
	} `toml:"global"`

	Senders []SenderConfig `toml:"senders"`

	Recipients struct {
		Source      string `toml:"source"` // csv or db
		Path        string `toml:"path"`
		EmailColumn string `toml:"email_column"`
		Driver      string `toml:"driver"` // sqlite3, postgres, mysql
		DSN         string `toml:"dsn"`
		Query       string `toml:"query"`
		Limit       int    `toml:"limit"`
	} `toml:"recipients"`

	Ledger struct {
		Backend string `toml:"backend"` // file or sqlite
		Path    string `toml:"path"`
	} `toml:"ledger"`

	Metrics struct {
		Enabled   bool   `toml:"enabled"`
		Listen    string `toml:"listen"`
		RedisAddr string `toml:"redis_addr"`
	} `toml:"metrics"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text or json
	} `toml:"logging"`
}

// SenderConfig describes one sender account
type SenderConfig struct {
	ID           string  `toml:"id"`
	Address      string  `toml:"address"`
	Host         string  `toml:"host"`
	Port         int     `toml:"port"`
	Username     string  `toml:"username"`
	Password     string  `toml:"password"`
	Limit        int     `toml:"limit"` // per-run ceiling, 0 = unlimited
	GapSec       float64 `toml:"gap_sec"`
	GapJitterSec float64 `toml:"gap_jitter_sec"`
	PerMinute    int     `toml:"emails_per_minute"`
	PerHour      int     `toml:"emails_per_hour"`
	Priority     int     `toml:"priority"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Engine.Strategy = string(queue.StrategyBalanced)
	cfg.Engine.MaxRetries = 3
	cfg.Engine.BaseDelaySec = 5
	cfg.Engine.BackoffMultiplier = 2
	cfg.Engine.MaxDelaySec = 300
	cfg.Engine.FailureThreshold = 0.5
	cfg.Engine.FailureWindowSec = 3600
	cfg.Engine.CooldownSec = 300
	cfg.Engine.RebalanceThreshold = 0.25
	cfg.Engine.RebalanceSec = 5
	cfg.Engine.MaxWorkers = 16
	cfg.Engine.DeliveryTimeoutSec = 120
	cfg.Engine.InflightStaleSec = 600
	cfg.Recipients.Source = "csv"
	cfg.Recipients.EmailColumn = "email"
	cfg.Ledger.Backend = "file"
	cfg.Ledger.Path = "ledger/campaign.jsonl"
	cfg.Metrics.Listen = ":9120"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads and validates a TOML configuration file. Defaults fill any
// section the file omits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfig, path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the cross-field constraints that must hold before
// any send is attempted.
func (c *Config) Validate() error {
	if !queue.ValidStrategy(queue.Strategy(c.Engine.Strategy)) {
		return fmt.Errorf("%w: unknown strategy %q", ErrConfig, c.Engine.Strategy)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrConfig)
	}
	if c.Engine.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrConfig)
	}
	if c.Engine.FailureThreshold < 0 || c.Engine.FailureThreshold > 1 {
		return fmt.Errorf("%w: failure_threshold must be within 0..1", ErrConfig)
	}
	if c.Engine.RebalanceThreshold < 0 || c.Engine.RebalanceThreshold > 1 {
		return fmt.Errorf("%w: rebalance_threshold must be within 0..1", ErrConfig)
	}
	if c.Engine.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be at least 1", ErrConfig)
	}

	if len(c.Senders) == 0 {
		return fmt.Errorf("%w: at least one sender is required", ErrConfig)
	}
	seen := make(map[string]bool, len(c.Senders))
	for i, s := range c.Senders {
		if s.ID == "" {
			return fmt.Errorf("%w: sender %d has no id", ErrConfig, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate sender id %q", ErrConfig, s.ID)
		}
		seen[s.ID] = true
		if s.Address == "" {
			return fmt.Errorf("%w: sender %q has no address", ErrConfig, s.ID)
		}
		if !c.Engine.DryRun && s.Host == "" {
			return fmt.Errorf("%w: sender %q has no SMTP host", ErrConfig, s.ID)
		}
		if s.Limit < 0 || s.GapSec < 0 {
			return fmt.Errorf("%w: sender %q has negative limits", ErrConfig, s.ID)
		}
	}

	switch c.Recipients.Source {
	case "csv":
		if c.Recipients.Path == "" {
			return fmt.Errorf("%w: recipients.path is required for csv source", ErrConfig)
		}
	case "db":
		if c.Recipients.Driver == "" || c.Recipients.DSN == "" || c.Recipients.Query == "" {
			return fmt.Errorf("%w: recipients.driver, dsn and query are required for db source", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown recipients source %q", ErrConfig, c.Recipients.Source)
	}

	switch c.Ledger.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: unknown ledger backend %q", ErrConfig, c.Ledger.Backend)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("%w: ledger.path is required", ErrConfig)
	}

	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// BaseDelay returns the first retry backoff
func (c *Config) BaseDelay() time.Duration { return seconds(c.Engine.BaseDelaySec) }

// MaxDelay returns the backoff cap
func (c *Config) MaxDelay() time.Duration { return seconds(c.Engine.MaxDelaySec) }

// FailureWindow returns the sliding window for failure-rate tracking
func (c *Config) FailureWindow() time.Duration { return seconds(c.Engine.FailureWindowSec) }

// Cooldown returns how long a sender sits out after crossing the threshold
func (c *Config) Cooldown() time.Duration { return seconds(c.Engine.CooldownSec) }

// RebalanceInterval returns how often the scheduler checks queue balance
func (c *Config) RebalanceInterval() time.Duration { return seconds(c.Engine.RebalanceSec) }

// DeliveryTimeout returns the per-attempt transport deadline
func (c *Config) DeliveryTimeout() time.Duration { return seconds(c.Engine.DeliveryTimeoutSec) }

// InflightStaleness returns the age past which a replayed in-flight
// claim counts its attempt as spent
func (c *Config) InflightStaleness() time.Duration { return seconds(c.Engine.InflightStaleSec) }

// Gap returns a sender's minimum inter-send spacing
func (s SenderConfig) Gap() time.Duration { return seconds(s.GapSec) }

// GapJitter returns a sender's random extra spacing
func (s SenderConfig) GapJitter() time.Duration { return seconds(s.GapJitterSec) }
