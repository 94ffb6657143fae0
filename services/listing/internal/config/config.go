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

// ConfigPath is the default location of the listing service config.
const ConfigPath = "config.yaml"

const (
	defaultHoldDuration  = 72 * time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string   `yaml:"port"`
	DatabaseURL        string   `yaml:"databaseURL"`
	LogLevel           string   `yaml:"logLevel"`
	RedisAddr          string   `yaml:"redisAddr"`
	RedisPassword      string   `yaml:"redisPassword"`
	NotifyStream       string   `yaml:"notifyStream"`
	AMQPURL            string   `yaml:"amqpURL"`
	AMQPExchange       string   `yaml:"amqpExchange"`
	DirectoryURL       string   `yaml:"directoryURL"`
	DirectoryAudience  string   `yaml:"directoryAudience"`
	ServiceJWTKeyPath  string   `yaml:"serviceJwtPrivateKeyPath"`
	ServiceJWTKeyID    string   `yaml:"serviceJwtKeyId"`
	JWTSecret          string   `yaml:"jwtSecret"`
	JWTIssuer          string   `yaml:"jwtIssuer"`
	JWTAudience        string   `yaml:"jwtAudience"`
	JWTLeeway          string   `yaml:"jwtLeeway"`
	HoldDuration       string   `yaml:"holdDuration"`
	SweepInterval      string   `yaml:"sweepInterval"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	TransitionAttempts int      `yaml:"transitionAttempts"`
	TrustedProxies     []string `yaml:"trustedProxies"`
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
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := map[string]*string{
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"AMQP_URL":               &cfg.AMQPURL,
		"DIRECTORY_URL":          &cfg.DirectoryURL,
		"CUBE_JWT_SECRET":        &cfg.JWTSecret,
		"LISTING_HOLD_DURATION":  &cfg.HoldDuration,
		"LISTING_SWEEP_INTERVAL": &cfg.SweepInterval,
		"LOG_LEVEL":              &cfg.LogLevel,
	}
	for key, field := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("LISTING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LISTING_TRANSITION_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TransitionAttempts = n
		}
	}
	if v := os.Getenv("LISTING_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set in config.yaml or CUBE_JWT_SECRET)")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.TransitionAttempts < 0 {
		return errors.New("config: transitionAttempts must not be negative")
	}
	if cfg.ServiceJWTKeyPath != "" && cfg.DirectoryURL == "" {
		return errors.New("config: serviceJwtPrivateKeyPath requires directoryURL")
	}
	if _, err := ParseHoldDuration(cfg.HoldDuration); err != nil {
		return err
	}
	if _, err := ParseSweepInterval(cfg.SweepInterval); err != nil {
		return err
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseHoldDuration parses how long a hold lasts before the sweeper releases it.
func ParseHoldDuration(raw string) (time.Duration, error) {
	return parsePositiveDuration("holdDuration", raw, defaultHoldDuration)
}

// ParseSweepInterval parses how often expired holds are released.
func ParseSweepInterval(raw string) (time.Duration, error) {
	return parsePositiveDuration("sweepInterval", raw, defaultSweepInterval)
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	return parsePositiveDuration("jwtLeeway", raw, 0)
}

func parsePositiveDuration(name, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
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
