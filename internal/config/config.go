// Package config loads service configuration from YAML with environment
// overrides for everything deployment-specific.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Addr         string `yaml:"addr"`
	GRPCAddr     string `yaml:"grpcAddr"`
	Store        string `yaml:"store"`
	DatabaseURL  string `yaml:"databaseURL"`
	RedisAddr    string `yaml:"redisAddr"`
	AuthSecret   string `yaml:"authSecret"`
	TokenTTL     string `yaml:"tokenTTL"`
	Development  bool   `yaml:"development"`
	RateLimitRPS int    `yaml:"rateLimitRPS"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Defaults applied before the file and environment are read.
func defaults() Config {
	return Config{
		Addr:         ":8080",
		Store:        StoreMemory,
		TokenTTL:     "12h",
		RateLimitRPS: 50,
		MaxBodyBytes: 1 << 20,
	}
}

// Load reads the YAML file at path when it exists, then applies environment
// overrides. A missing file is not an error; the environment alone can
// configure the service.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("TIRTA_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("TIRTA_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("TIRTA_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TIRTA_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("TIRTA_TOKEN_TTL"); v != "" {
		cfg.TokenTTL = v
	}
	if v := os.Getenv("TIRTA_DEVELOPMENT"); v != "" {
		cfg.Development = v == "1" || strings.EqualFold(v, "true")
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("config: addr is required")
	}
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", cfg.Store)
	}
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return errors.New("config: authSecret is required (set TIRTA_AUTH_SECRET)")
	}
	if cfg.RateLimitRPS < 0 {
		return errors.New("config: rateLimitRPS must be >= 0")
	}
	if _, err := cfg.ParseTokenTTL(); err != nil {
		return err
	}
	return nil
}

// ParseTokenTTL parses the session token lifetime.
func (c Config) ParseTokenTTL() (time.Duration, error) {
	if c.TokenTTL == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(c.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("config: invalid tokenTTL: %w", err)
	}
	return dur, nil
}
