// Package llm is the language model capability used by the pipeline stages.
// Providers return raw text; CompleteJSON layers schema validation on top so
// no caller ever trusts model output without checking it.
package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"store-insights/internal/common/config"
	"store-insights/internal/common/errors"
	"store-insights/internal/common/metrics"
	"store-insights/internal/common/validation"
)

type Request struct {
	// Stage labels metrics and logs, e.g. "classifier".
	Stage       string
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
	MaxTokens   int64
}

type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// New builds the provider selected in config.
func New(cfg config.LLMConfig) (Service, error) {
	timeout := config.GetDuration(cfg.Timeout)
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		}), nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		}), nil
	case "genai":
		return NewGenAI(GenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// CompleteJSON asks for a JSON object matching schema, validates the reply
// and decodes it into out. Transport failures are returned unchanged; any
// reply that does not satisfy the schema yields MALFORMED_MODEL_OUTPUT.
func CompleteJSON(ctx context.Context, svc Service, req Request, schema *validation.Validator, out interface{}) error {
	req.JSON = true
	req.System = strings.TrimSpace(req.System) + "\n\nRespond with a single JSON object and nothing else. " +
		"It must validate against this JSON schema:\n" + schema.String()

	raw, err := svc.Complete(ctx, req)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(req.Stage, "error").Inc()
		return err
	}

	doc := ExtractJSON(raw)
	if result := schema.ValidateBytes([]byte(doc)); !result.Valid {
		metrics.ModelCalls.WithLabelValues(req.Stage, "malformed").Inc()
		metrics.MalformedModelOutput.WithLabelValues(req.Stage).Inc()
		return errors.NewMalformedModelOutputError(req.Stage, result.Err())
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		metrics.ModelCalls.WithLabelValues(req.Stage, "malformed").Inc()
		metrics.MalformedModelOutput.WithLabelValues(req.Stage).Inc()
		return errors.NewMalformedModelOutputError(req.Stage, err)
	}

	metrics.ModelCalls.WithLabelValues(req.Stage, "ok").Inc()
	return nil
}

// ExtractJSON pulls a JSON object out of a model reply that may wrap it in a
// fenced code block or surround it with prose.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if body, ok := fencedBlock(s); ok {
		s = body
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// StripFences removes a surrounding ``` block, keeping its body.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if body, ok := fencedBlock(s); ok {
		return body
	}
	return s
}

func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Skip the info string (json, sql, ...) on the opening fence line.
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// classifyError maps a provider failure onto the pipeline error taxonomy.
// status is the HTTP status when the provider answered, 0 otherwise.
func classifyError(ctx context.Context, provider string, status int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.Canceled) {
			return errors.NewCancelledError(ctxErr)
		}
		return errors.NewLLMTimeoutError(provider)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return errors.NewLLMTimeoutError(provider)
	}
	switch {
	case status == 0:
		return errors.NewModelUnavailableError(provider, err)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return errors.NewModelUnavailableError(provider, err)
	default:
		return errors.NewModelRejectedError(provider, err)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return stderrors.As(err, &te) && te.Timeout()
}

func withDefaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
