// Package querygen turns an Intent into a parameterized, locally validated
// warehouse query.
package querygen

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/common/validation"
	"store-insights/internal/llm"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

const Stage = "querygen"

var responseSchema = validation.MustCompile(validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"query": {Type: "string", MinLength: validation.IntPtr(1)},
	},
	Required: []string{"query"},
})

type response struct {
	Query string `json:"query"`
}

type promptData struct {
	Question          string
	Family            string
	FamilyDescription string
	Tables            []string
	Parameters        []string
	Feedback          string
}

type Generator struct {
	config  Config
	llm     llm.Service
	prompts *prompts.Store
	clock   clockwork.Clock
	logger  logger.Logger

	onBackoff func(delay time.Duration)
}

func New(cfg Config, svc llm.Service, store *prompts.Store, clock clockwork.Clock, log logger.Logger) *Generator {
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 30
	}
	if cfg.RetryBound < 0 {
		cfg.RetryBound = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 8 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Generator{
		config:  cfg,
		llm:     svc,
		prompts: store,
		clock:   clock,
		logger:  log.With(map[string]interface{}{"stage": Stage}),
	}
}

// Generate calls the model at most 1+RetryBound times. Each rejected query is
// fed back with the rule it broke. A transport failure backs off before the
// next attempt, and if the last attempt also fails in transport that model
// error is returned. Otherwise, when every attempt fails, the last query is
// returned with Valid=false alongside a QUERY_GENERATION_FAILED error.
func (g *Generator) Generate(ctx context.Context, intent models.Intent, store models.StoreContext) (models.GeneratedQuery, error) {
	start := g.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(Stage).Observe(g.clock.Since(start).Seconds())
	}()

	family, ok := FamilyFor(intent.Category)
	if !ok {
		return models.GeneratedQuery{}, errors.NewQueryGenerationFailedError(0, "no query family for category "+string(intent.Category))
	}

	params := BuildParameters(intent, store, g.clock.Now(), g.config.DefaultWindowDays)

	tmpl, err := g.prompts.Snapshot().Get(prompts.StageQueryGen, string(intent.Category))
	if err != nil {
		return models.GeneratedQuery{}, err
	}

	data := promptData{
		Question:          intent.Question,
		Family:            family.Name,
		FamilyDescription: family.Description,
		Tables:            family.TableDefinitions(),
		Parameters:        params.SlotLines(),
	}

	maxAttempts := 1 + g.config.RetryBound
	last := models.GeneratedQuery{Parameters: params.Values, Family: family.Name}
	lastReason := ""
	var modelErr error

	b := &backoff.ExponentialBackOff{
		InitialInterval:     g.config.BackoffInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         g.config.BackoffMax,
	}
	b.Reset()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, errors.NewCancelledError(err)
		}
		last.Attempts = attempt

		prompt, err := tmpl.Render(data)
		if err != nil {
			return last, err
		}

		var resp response
		err = llm.CompleteJSON(ctx, g.llm, llm.Request{
			Stage:       Stage,
			System:      tmpl.System,
			Prompt:      prompt,
			Temperature: tmpl.Temperature,
			MaxTokens:   tmpl.MaxTokens,
		}, responseSchema, &resp)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeCancelled) {
				return last, err
			}
			lastReason = err.Error()
			g.logger.Warn("Query generation attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if errors.HasCode(err, errors.ErrCodeMalformedModelOutput) {
				modelErr = nil
				data.Feedback = "the reply was not a JSON object with a non-empty \"query\" field"
				continue
			}
			modelErr = err
			if !errors.IsRetryable(err) {
				break
			}
			if attempt < maxAttempts {
				if err := g.wait(ctx, b.NextBackOff()); err != nil {
					return last, err
				}
			}
			continue
		}

		last.Text = Normalize(resp.Query)
		if err := Validate(last.Text, params); err != nil {
			modelErr = nil
			lastReason = err.Error()
			data.Feedback = err.Error()
			var vErr *ValidationError
			rule := "unknown"
			if stderrors.As(err, &vErr) {
				rule = vErr.Rule
			}
			g.logger.Warn("Generated query rejected", map[string]interface{}{
				"attempt": attempt,
				"rule":    rule,
				"reason":  err.Error(),
			})
			continue
		}

		last.Valid = true
		g.logger.Info("Query generated", map[string]interface{}{
			"family":   family.Name,
			"attempts": attempt,
			"window":   params.Period.Label,
		})
		return last, nil
	}

	last.Valid = false
	if modelErr != nil {
		return last, modelErr
	}
	return last, errors.NewQueryGenerationFailedError(last.Attempts, lastReason)
}

func (g *Generator) wait(ctx context.Context, delay time.Duration) error {
	metrics.Retries.WithLabelValues(Stage).Inc()
	if g.onBackoff != nil {
		g.onBackoff(delay)
	}
	select {
	case <-g.clock.After(delay):
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError(ctx.Err())
	}
}
