// Package config loads process configuration from the environment,
// once per process, using the same caarlos0/env + godotenv pattern
// used elsewhere in the ecosystem for struct-tag-driven env parsing.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"

	"github.com/queuesvc/taskqueue/internal/logger"
)

// Config holds everything a worker or API process needs at startup.
type Config struct {
	RedisHost     string `env:"REDIS_HOST,required"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	APIToken string `env:"API_TOKEN,required"`

	DefaultConcurrency    int `env:"DEFAULT_CONCURRENCY" envDefault:"5"`
	DefaultRetryAttempts  int `env:"DEFAULT_RETRY_ATTEMPTS" envDefault:"3"`
	DefaultRetryDelayMS   int `env:"DEFAULT_RETRY_DELAY_MS" envDefault:"1000"`

	WebhookTimeoutMS     int `env:"WEBHOOK_TIMEOUT_MS" envDefault:"30000"`
	WebhookRetryAttempts int `env:"WEBHOOK_RETRY_ATTEMPTS" envDefault:"3"`

	Logging *logger.Config `envPrefix:"LOG_"`
}

// Load parses Config from the environment. REDIS_HOST and API_TOKEN
// are required; their absence is a fatal startup error, surfaced here
// as a plain error for the caller to log and exit on.
func Load() (*Config, error) {
	cfg := &Config{
		Logging: logger.DefaultConfig(),
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if cfg.DefaultConcurrency < 1 {
		return nil, fmt.Errorf("config: DEFAULT_CONCURRENCY must be at least 1")
	}
	if cfg.DefaultRetryAttempts < 0 {
		return nil, fmt.Errorf("config: DEFAULT_RETRY_ATTEMPTS cannot be negative")
	}
	if cfg.WebhookTimeoutMS < 1000 || cfg.WebhookTimeoutMS > 300000 {
		return nil, fmt.Errorf("config: WEBHOOK_TIMEOUT_MS must be between 1000 and 300000")
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid logging config: %w", err)
	}

	return cfg, nil
}

// MustLoad is Load but panics on failure, for use at process startup
// where there is no sensible way to continue.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}
