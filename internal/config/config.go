package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working
// directory of the process.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port            string   `yaml:"port"`
	DatabaseURL     string   `yaml:"databaseURL"`
	LogLevel        string   `yaml:"logLevel"`
	RedisAddr       string   `yaml:"redisAddr"`
	RedisPassword   string   `yaml:"redisPassword"`
	NoticeStream    string   `yaml:"noticeStream"`
	LoanPeriodDays  int      `yaml:"loanPeriodDays"`
	MaxRenewals     int      `yaml:"maxRenewals"`
	SweepInterval   string   `yaml:"sweepInterval"`
	RateLimitPerMin int      `yaml:"rateLimitPerMin"`
	TrustedProxies  []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CIRCULATOR_NOTICE_STREAM"); v != "" {
		cfg.NoticeStream = v
	}
	if v := os.Getenv("CIRCULATOR_LOAN_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoanPeriodDays = n
		}
	}
	if v := os.Getenv("CIRCULATOR_MAX_RENEWALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRenewals = n
		}
	}
	if v := os.Getenv("CIRCULATOR_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("CIRCULATOR_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoanPeriod converts the configured day count to a duration. Zero means the
// built-in default applies.
func (c FileConfig) LoanPeriod() time.Duration {
	return time.Duration(c.LoanPeriodDays) * 24 * time.Hour
}

// ParseSweepInterval parses the sweep interval string. Empty means the
// built-in default applies.
func ParseSweepInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse sweepInterval: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("config: sweepInterval must be positive")
	}
	return d, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.LoanPeriodDays < 0 {
		return errors.New("config: loanPeriodDays must not be negative")
	}
	if cfg.MaxRenewals < 0 {
		return errors.New("config: maxRenewals must not be negative")
	}
	if _, err := ParseSweepInterval(cfg.SweepInterval); err != nil {
		return err
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
