// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"store-insights/internal/common/camunda"
	"store-insights/internal/common/config"
	"store-insights/internal/common/database"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/observability"
	"store-insights/internal/pipeline"
	"store-insights/internal/prompts"

	askquestion "store-insights/internal/workers/store-insights/ask-question"
)

// retryWithBackoff keeps trying a startup dependency until it answers.
func retryWithBackoff[T any](ctx context.Context, operationName string, maxTries uint, log *zap.Logger, operation func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Duration("nextRetryIn", next),
			)
		}),
	)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	obs, err := observability.New(cfg.Monitoring.ServiceName)
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}
	defer obs.Shutdown(context.Background())

	// --- Init PostgreSQL with retry ---
	pg, err := retryWithBackoff(ctx, "PostgreSQL connection", 15, zapLog, func() (*database.PostgresClient, error) {
		client, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry, only when something needs it ---
	var rdb redis.Cmdable
	if cfg.Database.Redis.Address != "" {
		rc, err := retryWithBackoff(ctx, "Redis connection", 10, zapLog, func() (*database.RedisClient, error) {
			client := database.NewRedis(cfg.Database.Redis)
			if err := client.Ping(ctx); err != nil {
				client.Close()
				return nil, err
			}
			return client, nil
		})
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rc.Close()
		rdb = rc.Client
		zapLog.Info("Redis connected successfully")
	}

	// --- Pipeline ---
	p, err := pipeline.Build(ctx, cfg, pipeline.Resources{
		DB:       pg.DB,
		Redis:    rdb,
		Recorder: obs,
	}, log)
	if err != nil {
		zapLog.Fatal("pipeline init failed", zap.Error(err))
	}
	zapLog.Info("Pipeline ready",
		zap.String("llmProvider", p.LLM.Name()),
		zap.String("prompts", p.Prompts.Snapshot().Source),
	)

	// --- Init Zeebe Client with retry ---
	zeebe, err := retryWithBackoff(ctx, "Zeebe client initialization", 10, zapLog, func() (*camunda.Client, error) {
		return camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			ConnectionTimeout:      10 * time.Second,
			RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
		})
	})
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Workers ---
	handler, err := askquestion.NewHandler(askquestion.HandlerOptions{
		AppConfig:   cfg,
		Agent:       p.Agent,
		RetryConfig: zeebe.RetryConfig(),
		Logger:      log,
	})
	if err != nil {
		zapLog.Fatal("failed to create ask-question handler", zap.Error(err))
	}
	if err := handler.Register(zeebe.GetClient()); err != nil {
		zapLog.Fatal("failed to register ask-question worker", zap.Error(err))
	}

	// --- Health, Metrics & Admin Server ---
	mux := http.DefaultServeMux
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", readyHandler(pg, zeebe))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/prompts/reload", reloadHandler(p.Prompts, log))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Signals: SIGHUP reloads prompts, SIGINT/SIGTERM stop ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		if err := p.Prompts.Reload(ctx); err != nil {
			zapLog.Warn("Prompt reload on SIGHUP failed", zap.Error(err))
			continue
		}
		zapLog.Info("Prompts reloaded on SIGHUP", zap.String("source", p.Prompts.Snapshot().Source))
	}

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handler.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := zeebe.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

func readyHandler(pg *database.PostgresClient, zeebe *camunda.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := map[string]string{"postgres": "ok", "zeebe": "ok"}
		status := http.StatusOK
		if err := pg.Ping(ctx); err != nil {
			checks["postgres"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := zeebe.HealthCheck(ctx); err != nil {
			checks["zeebe"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		writeJSON(w, status, map[string]interface{}{
			"status": state,
			"checks": checks,
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

func reloadHandler(store *prompts.Store, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if err := store.Reload(r.Context()); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"status": "kept_current",
				"error":  err.Error(),
			})
			return
		}

		snap := store.Snapshot()
		log.Info("Prompts reloaded via admin endpoint", map[string]interface{}{
			"source":    snap.Source,
			"templates": snap.Len(),
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "reloaded",
			"source":    snap.Source,
			"version":   snap.Version,
			"templates": snap.Len(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
