package controlplane

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// Config is the controlplane configuration, read from QATRACK_* variables.
type Config struct {
	ListenAddr     string        `env:"QATRACK_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL    string        `env:"QATRACK_DATABASE_URL"`
	DBMaxConns     int           `env:"QATRACK_DB_MAX_CONNS" envDefault:"10"`
	JWTSecret      string        `env:"QATRACK_JWT_SECRET"`
	RequireAuth    bool          `env:"QATRACK_REQUIRE_AUTH" envDefault:"false"`
	AllowedOrigins []string      `env:"QATRACK_ALLOWED_ORIGINS" envSeparator:","`
	ScenarioReset  string        `env:"QATRACK_SCENARIO_RESET" envDefault:"always"`
	WatchHeartbeat time.Duration `env:"QATRACK_WATCH_HEARTBEAT" envDefault:"25s"`
}

// LoadConfigFromEnv parses and validates the configuration.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and normalises values.
func (c *Config) Validate() error {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)

	if c.ListenAddr == "" {
		return fmt.Errorf("QATRACK_LISTEN_ADDR must not be empty")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("QATRACK_DB_MAX_CONNS must be positive")
	}
	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("QATRACK_JWT_SECRET is required when QATRACK_REQUIRE_AUTH is set")
	}
	if !environment.ScenarioResetPolicy(c.ScenarioReset).Valid() {
		return fmt.Errorf("invalid QATRACK_SCENARIO_RESET %q (want %q or %q)",
			c.ScenarioReset, environment.ResetAlways, environment.ResetOnFirstStart)
	}
	if c.WatchHeartbeat <= 0 {
		return fmt.Errorf("QATRACK_WATCH_HEARTBEAT must be positive")
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins
	return nil
}
