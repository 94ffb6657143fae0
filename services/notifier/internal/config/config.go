package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the notifier config.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string  `yaml:"port"`
	DatabaseURL        string  `yaml:"databaseURL"`
	LogLevel           string  `yaml:"logLevel"`
	RedisAddr          string  `yaml:"redisAddr"`
	RedisPassword      string  `yaml:"redisPassword"`
	NotifyStream       string  `yaml:"notifyStream"`
	ConsumerGroup      string  `yaml:"consumerGroup"`
	Concurrency        int     `yaml:"concurrency"`
	MaxRetries         int     `yaml:"maxRetries"`
	SMTPHost           string  `yaml:"smtpHost"`
	SMTPPort           int     `yaml:"smtpPort"`
	SMTPUsername       string  `yaml:"smtpUsername"`
	SMTPPassword       string  `yaml:"smtpPassword"`
	SMTPFrom           string  `yaml:"smtpFrom"`
	SMTPTimeoutSeconds int     `yaml:"smtpTimeoutSeconds"`
	SendPerSecond      float64 `yaml:"sendPerSecond"`
	SendBurst          int     `yaml:"sendBurst"`
	ShopName           string  `yaml:"shopName"`
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and validates the result.
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := map[string]*string{
		"DATABASE_URL":   &cfg.DatabaseURL,
		"REDIS_ADDR":     &cfg.RedisAddr,
		"REDIS_PASSWORD": &cfg.RedisPassword,
		"SMTP_HOST":      &cfg.SMTPHost,
		"SMTP_USERNAME":  &cfg.SMTPUsername,
		"SMTP_PASSWORD":  &cfg.SMTPPassword,
		"SMTP_FROM":      &cfg.SMTPFrom,
		"LOG_LEVEL":      &cfg.LogLevel,
	}
	for key, field := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("NOTIFIER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.SendPerSecond == 0 {
		cfg.SendPerSecond = 5
	}
	if cfg.SendBurst == 0 {
		cfg.SendBurst = 1
	}
	if cfg.SMTPTimeoutSeconds == 0 {
		cfg.SMTPTimeoutSeconds = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.SMTPHost == "" {
		return errors.New("config: smtpHost is required (set in config.yaml or SMTP_HOST)")
	}
	if cfg.SMTPFrom == "" {
		return errors.New("config: smtpFrom is required (set in config.yaml or SMTP_FROM)")
	}
	if cfg.Concurrency < 0 {
		return errors.New("config: concurrency must not be negative")
	}
	if cfg.SMTPTimeoutSeconds < 0 {
		return errors.New("config: smtpTimeoutSeconds must not be negative")
	}
	if cfg.SendPerSecond < 0 || cfg.SendBurst < 0 {
		return errors.New("config: sendPerSecond and sendBurst must not be negative")
	}
	return nil
}
