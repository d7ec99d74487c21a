// Package config loads user and runtime configuration via viper.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mksalih/salahguard/internal/domain"
)

// Config is the full runtime configuration of the main process.
type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	TimetablePath string `mapstructure:"timetable_path"`
	SelectionPath string `mapstructure:"selection_path"`
	MetricsAddr   string `mapstructure:"metrics_addr"` // empty disables the listener

	EnabledPrayers      []string      `mapstructure:"enabled_prayers"`
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	Mode                string        `mapstructure:"mode"`
	UnlockAfterFraction float64       `mapstructure:"unlock_after_fraction"`

	HorizonDays     int           `mapstructure:"horizon_days"`
	WarnBeforeStart time.Duration `mapstructure:"warn_before_start"`
	WarnBeforeEnd   time.Duration `mapstructure:"warn_before_end"`
	ReplanInterval  time.Duration `mapstructure:"replan_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	Retention       time.Duration `mapstructure:"retention"`
}

// Load reads configuration from the given file (optional), the
// SALAHGUARD_* environment and defaults, in that precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("timetable_path", "")
	v.SetDefault("selection_path", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("enabled_prayers", []string{"fajr", "dhuhr", "asr", "maghrib", "isha"})
	v.SetDefault("window_duration", 15*time.Minute)
	v.SetDefault("mode", string(domain.ModeNormal))
	v.SetDefault("unlock_after_fraction", 0.5)
	v.SetDefault("horizon_days", 3)
	v.SetDefault("warn_before_start", 5*time.Minute)
	v.SetDefault("warn_before_end", 2*time.Minute)
	v.SetDefault("replan_interval", 30*time.Minute)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("retention", 7*24*time.Hour)

	v.SetEnvPrefix("SALAHGUARD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.TimetablePath == "" {
		cfg.TimetablePath = filepath.Join(cfg.DataDir, "timetable.yaml")
	}
	if cfg.SelectionPath == "" {
		cfg.SelectionPath = filepath.Join(cfg.DataDir, "selection.yaml")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window_duration must be positive")
	}
	if c.UnlockAfterFraction < 0 || c.UnlockAfterFraction > 1 {
		return fmt.Errorf("unlock_after_fraction must be within [0, 1]")
	}
	if c.HorizonDays <= 0 {
		return fmt.Errorf("horizon_days must be positive")
	}
	mode := domain.Mode(c.Mode)
	if mode != domain.ModeNormal && mode != domain.ModeStrict {
		return fmt.Errorf("mode must be %q or %q", domain.ModeNormal, domain.ModeStrict)
	}
	for _, p := range c.EnabledPrayers {
		if !domain.PrayerName(p).Valid() {
			return fmt.Errorf("unknown prayer %q in enabled_prayers", p)
		}
	}
	return nil
}

// Settings converts the user-facing parts into domain settings.
func (c *Config) Settings() domain.Settings {
	enabled := make(map[domain.PrayerName]bool, len(c.EnabledPrayers))
	for _, p := range c.EnabledPrayers {
		enabled[domain.PrayerName(p)] = true
	}
	return domain.Settings{
		Enabled:             enabled,
		WindowDuration:      c.WindowDuration,
		Mode:                domain.Mode(c.Mode),
		UnlockAfterFraction: c.UnlockAfterFraction,
	}
}

func defaultDataDir() string {
	return "/var/tmp/salahguard"
}
