// Package config loads server configuration from a YAML file via viper,
// with environment overrides (FLEXCLUB_*) and sane defaults so the
// server runs with no config file at all.
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	DB struct {
		Path string
	} `mapstructure:"db"`

	Billing struct {
		// TierRates maps package tier (1-5) to the per-class rate as a
		// decimal string. Empty means the built-in price list.
		TierRates map[int]string `mapstructure:"tier_rates"`

		// GenerateDay is the day of month on which the scheduler
		// produces next month's invoices.
		GenerateDay int `mapstructure:"generate_day"`
	} `mapstructure:"billing"`

	Scheduler struct {
		Enabled  bool
		Interval string // parseable by time.ParseDuration
	} `mapstructure:"scheduler"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`
}

// Load reads the config file at path. A missing file is not an error:
// defaults and FLEXCLUB_* environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLEXCLUB")
	// Maps http.addr onto FLEXCLUB_HTTP_ADDR.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.path", "./data/flexclub.db")
	v.SetDefault("billing.generate_day", 25)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("metrics.enabled", true)

	var c Config
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return c, err
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	// SetConfigFile surfaces a plain *fs.PathError for a missing file.
	return errors.Is(err, fs.ErrNotExist)
}
