// Package config loads runtime configuration from an optional YAML file and
// the environment. Environment variables use the SOROOSHX_ prefix with
// underscores for nesting, e.g. SOROOSHX_REDIS_ADDR.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Source configures one ranked market data source.
type Source struct {
	Name string `mapstructure:"name"`
	Rank int    `mapstructure:"rank"`
	REST bool   `mapstructure:"rest"`
	WS   bool   `mapstructure:"ws"`
}

// Config is the full runtime configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Sources      []Source `mapstructure:"sources"`
	AccountVenue string   `mapstructure:"account_venue"`

	SourceTimeout time.Duration `mapstructure:"source_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Symbols []string `mapstructure:"symbols"`
}

// Load reads configuration from path (optional, "" skips the file) layered
// under environment overrides and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOROOSHX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("account_venue", "binance")
	v.SetDefault("source_timeout", 5*time.Second)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"})
	v.SetDefault("sources", []map[string]any{
		{"name": "binance", "rank": 1, "rest": true, "ws": true},
		{"name": "okx", "rank": 2, "rest": true, "ws": true},
		{"name": "bybit", "rank": 3, "rest": true, "ws": true},
	})
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: source with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("config: source_timeout must be positive")
	}
	return nil
}
