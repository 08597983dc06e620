package invoker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config tunes retry and timeout behavior of the Invoker. Values are loaded
// from CREDTRACE_INVOKER_* environment variables with safe defaults.
type Config struct {
	MaxRetries     uint64        `envconfig:"MAX_RETRIES" default:"4"`
	InitialBackoff time.Duration `envconfig:"INITIAL_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"MAX_BACKOFF" default:"5s"`
	SubmitTimeout  time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"30s"`
}

// LoadConfig reads the invoker configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("credtrace_invoker", cfg); err != nil {
		return nil, fmt.Errorf("error processing invoker environment: %w", err)
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("invalid backoff configuration: initial %s, max %s", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	return cfg, nil
}
