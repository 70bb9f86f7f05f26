// Package config loads rentald settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rentalflow/identity"
	"rentalflow/ledger"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr  string        `yaml:"listen_addr"`
	DatabaseURL string        `yaml:"database_url"`
	ProgramID   string        `yaml:"program_id"`
	LogLevel    string        `yaml:"log_level"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	Rent        ledger.Rent   `yaml:"rent"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig tunes the pgx pool.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

func defaults() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		TokenTTL:   5 * time.Minute,
		Rent:       ledger.DefaultRent,
		Pool: PoolConfig{
			MaxConns:        16,
			MaxConnIdleTime: 30 * time.Second,
			MaxConnLifetime: 5 * time.Minute,
		},
	}
}

// Load reads path when non-empty, applies the environment and validates.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := getenv("RENTAL_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("RENTAL_PROGRAM_ID"); v != "" {
		c.ProgramID = v
	}
	if v := getenv("RENTAL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("RENTAL_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RENTAL_TOKEN_TTL: %w", err)
		}
		c.TokenTTL = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if _, err := c.Program(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: token_ttl must be positive")
	}
	if c.Rent.ExemptionThreshold < 0 {
		return fmt.Errorf("config: rent.exemption_threshold must not be negative")
	}
	if c.Pool.MaxConns < 0 {
		return fmt.Errorf("config: pool.max_conns must not be negative")
	}
	return nil
}

// Program parses the configured program identity.
func (c Config) Program() (identity.ID, error) {
	if c.ProgramID == "" {
		return identity.ID{}, fmt.Errorf("config: program_id is required")
	}
	id, err := identity.Parse(c.ProgramID)
	if err != nil {
		return identity.ID{}, fmt.Errorf("config: program_id: %w", err)
	}
	return id, nil
}

// Level returns the parsed log level, defaulting to Info.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
