package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Addr        string `yaml:"addr"`
	DatabaseDSN string `yaml:"database_dsn"`
	JWTSecret   string `yaml:"jwt_secret"`
	RedisAddr   string `yaml:"redis_addr"`
	StoreDriver string `yaml:"store_driver"`
	LogLevel    string `yaml:"log_level"`

	BlockCacheTTL time.Duration `yaml:"block_cache_ttl"`

	Chat ChatConfig `yaml:"chat"`
}

// ChatConfig tunes the realtime channel.
type ChatConfig struct {
	TypingTimeout    time.Duration `yaml:"typing_timeout"`
	MessageRate      float64       `yaml:"message_rate"`
	MessageBurst     int           `yaml:"message_burst"`
	TypingRate       float64       `yaml:"typing_rate"`
	TypingBurst      int           `yaml:"typing_burst"`
	MaxMessageLength int           `yaml:"max_message_length"`
	SendBuffer       int           `yaml:"send_buffer"`
}

func Default() *Config {
	return &Config{
		Addr:          ":8080",
		RedisAddr:     "localhost:6379",
		StoreDriver:   DriverPostgres,
		LogLevel:      "info",
		BlockCacheTTL: 5 * time.Minute,
		Chat: ChatConfig{
			TypingTimeout:    time.Second,
			MessageRate:      5,
			MessageBurst:     20,
			TypingRate:       20,
			TypingBurst:      40,
			MaxMessageLength: 5000,
			SendBuffer:       256,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("DB_DSN", &c.DatabaseDSN)
	str("JWT_SECRET", &c.JWTSecret)
	str("REDIS_ADDR", &c.RedisAddr)
	str("STORE_DRIVER", &c.StoreDriver)
	str("LOG_LEVEL", &c.LogLevel)

	durations := map[string]*time.Duration{
		"TYPING_TIMEOUT":  &c.Chat.TypingTimeout,
		"BLOCK_CACHE_TTL": &c.BlockCacheTTL,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"MESSAGE_BURST":      &c.Chat.MessageBurst,
		"MAX_MESSAGE_LENGTH": &c.Chat.MaxMessageLength,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("MESSAGE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESSAGE_RATE: %w", err)
		}
		c.Chat.MessageRate = f
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch strings.ToLower(c.StoreDriver) {
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DB_DSN is not set"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.Chat.TypingTimeout <= 0 {
		errs = append(errs, errors.New("typing timeout must be positive"))
	}
	if c.Chat.MessageRate <= 0 || c.Chat.MessageBurst <= 0 {
		errs = append(errs, errors.New("message rate and burst must be positive"))
	}
	if c.Chat.TypingRate <= 0 || c.Chat.TypingBurst <= 0 {
		errs = append(errs, errors.New("typing rate and burst must be positive"))
	}
	if c.Chat.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("max message length must be positive"))
	}
	if c.Chat.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
