package querygen

import (
	"time"

	"store-insights/internal/common/config"
)

type Config struct {
	// RetryBound is the number of regenerations after the first attempt.
	RetryBound        int
	DefaultWindowDays int
	// Backoff between attempts that failed to reach the model.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func LoadConfig(cfg config.PipelineConfig) Config {
	return Config{
		RetryBound:        cfg.QueryRetryBound,
		DefaultWindowDays: cfg.DefaultWindowDays,
		BackoffInitial:    config.GetDuration(cfg.BackoffInitial),
		BackoffMax:        config.GetDuration(cfg.BackoffMax),
	}
}
