// Package pipeline assembles the question-answering stages from configuration.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"store-insights/internal/common/config"
	"store-insights/internal/common/logger"
	"store-insights/internal/llm"
	"store-insights/internal/pipeline/agent"
	"store-insights/internal/pipeline/classifier"
	"store-insights/internal/pipeline/executor"
	"store-insights/internal/pipeline/insight"
	"store-insights/internal/pipeline/querygen"
	"store-insights/internal/prompts"
)

type Resources struct {
	// DB is the warehouse connection.
	DB *sql.DB
	// Redis is optional unless prompts come from Redis or rate limiting is on.
	Redis redis.Cmdable
	// LLM overrides the configured provider, mainly for tests.
	LLM      llm.Service
	Recorder agent.Recorder
	Clock    clockwork.Clock
}

type Pipeline struct {
	Agent   *agent.Agent
	Prompts *prompts.Store
	LLM     llm.Service
}

// Build wires every stage and loads the prompt templates once. A failed
// initial prompt load is logged and the built-in templates stay active.
func Build(ctx context.Context, cfg *config.Config, res Resources, log logger.Logger) (*Pipeline, error) {
	if res.DB == nil {
		return nil, fmt.Errorf("warehouse connection is required")
	}
	clock := res.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	svc := res.LLM
	if svc == nil {
		var err error
		if svc, err = llm.New(cfg.LLM); err != nil {
			return nil, err
		}
	}

	source, err := prompts.NewSource(cfg.Prompts, res.Redis)
	if err != nil {
		return nil, err
	}
	store := prompts.NewStore(source, log)
	if err := store.Reload(ctx); err != nil {
		log.Warn("Using built-in prompt templates", map[string]interface{}{"error": err.Error()})
	}

	var limiter executor.Limiter
	if cfg.RateLimit.Enabled {
		if res.Redis == nil {
			return nil, fmt.Errorf("rate limiting requires redis")
		}
		limiter = executor.NewRedisLimiter(res.Redis, cfg.RateLimit.RequestsPerWindow,
			config.GetDuration(cfg.RateLimit.Window), clock)
	}

	deps := agent.Dependencies{
		Classifier: classifier.New(svc, store, log),
		Generator:  querygen.New(querygen.LoadConfig(cfg.Pipeline), svc, store, clock, log),
		Executor:   executor.NewPostgres(res.DB, limiter, executor.LoadConfig(cfg), log),
		Analyzer:   insight.New(insight.LoadConfig(cfg.Pipeline), svc, store, clock, log),
		Recorder:   res.Recorder,
	}

	return &Pipeline{
		Agent:   agent.New(agent.LoadConfig(cfg.Pipeline), deps, clock, log),
		Prompts: store,
		LLM:     svc,
	}, nil
}
