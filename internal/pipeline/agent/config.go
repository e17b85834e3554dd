package agent

import (
	"time"

	"store-insights/internal/common/config"
)

type Config struct {
	// ExecutionMaxRetries is the number of retries after the first execution.
	ExecutionMaxRetries int
	// ModelMaxRetries applies to classification transport failures.
	ModelMaxRetries int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	// RequestTimeout bounds a whole Ask; zero means no bound beyond the caller's.
	RequestTimeout time.Duration
}

func LoadConfig(cfg config.PipelineConfig) Config {
	return Config{
		ExecutionMaxRetries: cfg.ExecutionMaxRetries,
		ModelMaxRetries:     cfg.ModelMaxRetries,
		BackoffInitial:      config.GetDuration(cfg.BackoffInitial),
		BackoffMax:          config.GetDuration(cfg.BackoffMax),
		RequestTimeout:      config.GetDuration(cfg.RequestTimeout),
	}
}

func (c Config) withDefaults() Config {
	if c.ExecutionMaxRetries < 0 {
		c.ExecutionMaxRetries = 0
	}
	if c.ModelMaxRetries < 0 {
		c.ModelMaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}
