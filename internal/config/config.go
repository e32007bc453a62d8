package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the gateway.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	UpstreamBaseURL string `envconfig:"UPSTREAM_BASE_URL" required:"true"`

	RedisAddr  string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"24h"`

	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"10m"`

	SecureCookies bool `envconfig:"SECURE_COOKIES" default:"false"`
}

// LoadConfig reads configuration from environment variables with the
// SESSIONGATE_ prefix.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SESSIONGATE", &cfg); err != nil {
		return nil, err
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, errors.New("upstream base url must be provided")
	}
	return &cfg, nil
}

// IsProduction returns true when the gateway runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
