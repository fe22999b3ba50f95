package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the daemon configuration. Values come from an optional YAML file
// plus CALSYNC_* environment variables; env wins.
type Config struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	BearerToken  string `mapstructure:"bearer_token"`
	LedgerDSN    string `mapstructure:"ledger_dsn"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`

	Google GoogleConfig `mapstructure:"google"`
	Sync   SyncConfig   `mapstructure:"sync"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	CalendarID   string `mapstructure:"calendar_id"`
}

type SyncConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	WindowPastDays   int           `mapstructure:"window_past_days"`
	WindowFutureDays int           `mapstructure:"window_future_days"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	TickSpec         string        `mapstructure:"tick_spec"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply. The returned viper instance is
// kept for Watch.
func Load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("CALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("ledger_dsn", "memory://")
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("google.calendar_id", "primary")
	v.SetDefault("sync.max_concurrency", 4)
	v.SetDefault("sync.call_timeout", 15*time.Second)
	v.SetDefault("sync.window_past_days", 7)
	v.SetDefault("sync.window_future_days", 90)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.retry_base_delay", 100*time.Millisecond)
	v.SetDefault("sync.retry_max_delay", 2*time.Second)
	v.SetDefault("sync.tick_spec", "* * * * *")
}

// Normalize fills zero values with their defaults so a partially specified
// file still yields a runnable configuration.
func (c *Config) Normalize() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LedgerDSN == "" {
		c.LedgerDSN = "memory://"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Sync.MaxConcurrency <= 0 {
		c.Sync.MaxConcurrency = 4
	}
	if c.Sync.CallTimeout <= 0 {
		c.Sync.CallTimeout = 15 * time.Second
	}
	if c.Sync.WindowPastDays <= 0 {
		c.Sync.WindowPastDays = 7
	}
	if c.Sync.WindowFutureDays <= 0 {
		c.Sync.WindowFutureDays = 90
	}
	if c.Sync.RetryAttempts <= 0 {
		c.Sync.RetryAttempts = 3
	}
	if c.Sync.RetryBaseDelay <= 0 {
		c.Sync.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.Sync.RetryMaxDelay <= 0 {
		c.Sync.RetryMaxDelay = 2 * time.Second
	}
	if c.Sync.TickSpec == "" {
		c.Sync.TickSpec = "* * * * *"
	}
}

func (c *Config) Validate() error {
	if c.Sync.RetryBaseDelay > c.Sync.RetryMaxDelay {
		return fmt.Errorf("sync.retry_base_delay exceeds sync.retry_max_delay")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required when google.client_id is set")
	}
	return nil
}

// Watch re-reads the file on change and invokes onChange with the new
// configuration. Invalid edits are reported and skipped; the previous
// configuration stays in effect.
func Watch(v *viper.Viper, onChange func(Config), onError func(error)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(fmt.Errorf("parse config: %w", err))
			}
			return
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
