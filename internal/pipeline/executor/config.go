package executor

import (
	"time"

	"store-insights/internal/common/config"
)

type Config struct {
	Timeout time.Duration
	MaxRows int
}

func LoadConfig(cfg *config.Config) Config {
	return Config{
		Timeout: config.GetDuration(cfg.Database.Postgres.StatementTimeout),
		MaxRows: 10000,
	}
}
