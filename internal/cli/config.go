package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/marketplace-partner/internal/controller"
	"github.com/ChuLiYu/marketplace-partner/internal/storage"
)

// Environment variables that override secrets in the config file.
const (
	EnvRedisPassword = "PARTNER_REDIS_PASSWORD"
	EnvPostgresDSN   = "PARTNER_POSTGRES_DSN"
	EnvOIDCIssuer    = "PARTNER_OIDC_ISSUER"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Config represents the complete system configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	controller.Config `yaml:",inline"`
	Log               LogConfig `yaml:"log"`
}

// LoadConfig reads path and applies the PARTNER_* overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvRedisPassword); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := os.LookupEnv(EnvPostgresDSN); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := os.LookupEnv(EnvOIDCIssuer); ok {
		c.Auth.Issuer = v
	}
}

func (c *Config) driver() string {
	if c.Storage.Driver == "" {
		return storage.DriverMemory
	}
	return c.Storage.Driver
}

// Summary is a one-line, secret-free description for the startup log.
func (c *Config) Summary() string {
	return fmt.Sprintf("http=%s grpc=%s driver=%s auth=%s sweep=%t metrics=%t",
		c.HTTP.Addr, orDash(c.GRPC.Addr), c.driver(), c.Auth.Mode, c.Sweep.Enabled, c.Metrics.Enabled)
}

// NewLogger builds the slog logger described by cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
