package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig is the yaml shape of one named limit.
type RateLimitConfig struct {
	LimitID      string  `yaml:"limit_id"`
	Limit        int     `yaml:"limit"`
	IntervalSec  float64 `yaml:"interval_sec"`
	Weight       int     `yaml:"weight"`
	LinkedLimits []struct {
		LimitID string `yaml:"limit_id"`
		Weight  int    `yaml:"weight"`
	} `yaml:"linked_limits"`
}

// Config holds every externally tunable knob of the connector runtime.
// Sensitive values can be overridden through environment variables after the
// file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Venue struct {
		Name      string `yaml:"name"`
		RestURL   string `yaml:"rest_url"`
		WSURL     string `yaml:"ws_url"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"venue"`

	Tracker struct {
		LostOrderLimit    int `yaml:"lost_order_limit"`
		EvictionGraceSec  int `yaml:"eviction_grace_sec"`
		TradeBufferSec    int `yaml:"trade_buffer_sec"`
		FillToleranceBips int `yaml:"fill_tolerance_bips"`
	} `yaml:"tracker"`

	Polling struct {
		IntervalSec int `yaml:"interval_sec"`
	} `yaml:"polling"`

	RateLimits []RateLimitConfig `yaml:"rate_limits"`

	Gateway struct {
		BaseURL                string  `yaml:"base_url"`
		RetryCount             int     `yaml:"retry_count"`
		RetryIntervalSec       int     `yaml:"retry_interval_sec"`
		RetryFeeMultiplier     float64 `yaml:"retry_fee_multiplier"`
		GasEstimateIntervalSec int     `yaml:"gas_estimate_interval_sec"`
		MinFee                 float64 `yaml:"min_fee"`
		MaxFee                 float64 `yaml:"max_fee"`
		DefaultComputeUnits    uint64  `yaml:"default_compute_units"`
		ConfirmTimeoutSec      int     `yaml:"confirm_timeout_sec"`
	} `yaml:"gateway"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the yaml config, applies env overrides and
// defaults, then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills zero values with the observed production defaults.
func (c *Config) applyDefaults() {
	if c.Tracker.LostOrderLimit == 0 {
		c.Tracker.LostOrderLimit = 3
	}
	if c.Tracker.EvictionGraceSec == 0 {
		c.Tracker.EvictionGraceSec = 60
	}
	if c.Tracker.TradeBufferSec == 0 {
		c.Tracker.TradeBufferSec = 3
	}
	if c.Polling.IntervalSec == 0 {
		c.Polling.IntervalSec = 10
	}
	if c.Gateway.RetryCount == 0 {
		c.Gateway.RetryCount = 3
	}
	if c.Gateway.RetryIntervalSec == 0 {
		c.Gateway.RetryIntervalSec = 2
	}
	if c.Gateway.RetryFeeMultiplier == 0 {
		c.Gateway.RetryFeeMultiplier = 2.0
	}
	if c.Gateway.GasEstimateIntervalSec == 0 {
		c.Gateway.GasEstimateIntervalSec = 60
	}
	if c.Gateway.MinFee == 0 {
		c.Gateway.MinFee = 0.0001
	}
	if c.Gateway.MaxFee == 0 {
		c.Gateway.MaxFee = 0.01
	}
	if c.Gateway.ConfirmTimeoutSec == 0 {
		c.Gateway.ConfirmTimeoutSec = 60
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "orders.db"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Venue.WSURL != "" && !hasPrefix(c.Venue.WSURL, "ws://") && !hasPrefix(c.Venue.WSURL, "wss://") {
		return fmt.Errorf("invalid venue WS URL: %s", c.Venue.WSURL)
	}
	if c.Tracker.LostOrderLimit < 1 {
		return fmt.Errorf("lost_order_limit must be positive")
	}
	if c.Gateway.RetryFeeMultiplier < 1 {
		return fmt.Errorf("retry_fee_multiplier must be >= 1")
	}
	if c.Gateway.MaxFee < c.Gateway.MinFee {
		return fmt.Errorf("max_fee must be >= min_fee")
	}
	seen := make(map[string]bool, len(c.RateLimits))
	for _, l := range c.RateLimits {
		if l.LimitID == "" || l.Limit <= 0 || l.IntervalSec <= 0 {
			return fmt.Errorf("rate limit %q needs a positive limit and interval", l.LimitID)
		}
		if seen[l.LimitID] {
			return fmt.Errorf("duplicate rate limit id %q", l.LimitID)
		}
		seen[l.LimitID] = true
	}
	return nil
}

// RateLimitSet converts the yaml rate-limit entries into throttler limits.
func (c *Config) RateLimitSet() []RateLimit {
	limits := make([]RateLimit, 0, len(c.RateLimits))
	for _, rc := range c.RateLimits {
		l := RateLimit{
			LimitID:      rc.LimitID,
			Limit:        rc.Limit,
			TimeInterval: time.Duration(rc.IntervalSec * float64(time.Second)),
			Weight:       rc.Weight,
		}
		for _, lw := range rc.LinkedLimits {
			l.LinkedLimits = append(l.LinkedLimits, LimitWeight{LimitID: lw.LimitID, Weight: lw.Weight})
		}
		limits = append(limits, l)
	}
	return limits
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv lets environment variables take precedence over file
// contents for secrets.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CONNECTOR_ACCESS_KEY"); key != "" {
		cfg.Venue.AccessKey = key
	}
	if secret := os.Getenv("CONNECTOR_SECRET_KEY"); secret != "" {
		cfg.Venue.SecretKey = secret
	}
}
