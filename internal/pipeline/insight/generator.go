// Package insight derives statements and recommendations from query results.
// Figures are always computed locally; the model only phrases them, and a
// template phrasing takes over whenever the model cannot.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/common/validation"
	"store-insights/internal/llm"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

const Stage = "insight"

const NoDataStatement = "No matching data was found for this question in the selected period."

const (
	maxStatements      = 6
	maxRecommendations = 5
)

var responseSchema = validation.MustCompile(validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"statements": {
			Type:     "array",
			MaxItems: validation.IntPtr(maxStatements),
			Items:    &validation.Property{Type: "string", MinLength: validation.IntPtr(1)},
		},
		"recommendations": {
			Type:     "array",
			MaxItems: validation.IntPtr(maxRecommendations),
			Items:    &validation.Property{Type: "string", MinLength: validation.IntPtr(1)},
		},
	},
	Required: []string{"statements"},
})

type response struct {
	Statements      []string `json:"statements"`
	Recommendations []string `json:"recommendations"`
}

type promptData struct {
	Question    string
	Category    string
	Aggregates  []string
	SampleCount int
	RowCount    int
	Sample      string
}

type Generator struct {
	config  Config
	llm     llm.Service
	prompts *prompts.Store
	clock   clockwork.Clock
	logger  logger.Logger
}

func New(cfg Config, svc llm.Service, store *prompts.Store, clock clockwork.Clock, log logger.Logger) *Generator {
	return &Generator{
		config:  cfg.withDefaults(),
		llm:     svc,
		prompts: store,
		clock:   clock,
		logger:  log.With(map[string]interface{}{"stage": Stage}),
	}
}

// Analyze never fails on model trouble: malformed output, timeouts and
// provider errors all fall back to template phrasing. Only cancellation is
// returned as an error.
func (g *Generator) Analyze(ctx context.Context, intent models.Intent, results models.ResultSet) (models.Insight, error) {
	start := g.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(Stage).Observe(g.clock.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return models.Insight{}, errors.NewCancelledError(err)
	}

	windowDays, horizonDays := g.window(intent)
	agg := Compute(intent, results, windowDays, horizonDays)
	confidence := RateConfidence(results.RowCount, agg.Variation, intent.Confidence, g.config)

	if results.RowCount == 0 {
		return models.Insight{
			Statements:      []string{NoDataStatement},
			Recommendations: []string{},
			Confidence:      models.ConfidenceLow,
			Aggregates:      agg.Flatten(),
		}, nil
	}

	insight := models.Insight{Confidence: confidence, Aggregates: agg.Flatten()}

	resp, err := g.phrase(ctx, intent, results, agg)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeCancelled) {
			return models.Insight{}, err
		}
		g.logger.Warn("Falling back to template insight", map[string]interface{}{
			"category": intent.Category,
			"error":    err.Error(),
		})
		insight.Statements, insight.Recommendations = Fallback(intent, agg)
		return insight, nil
	}

	insight.Statements = resp.Statements
	insight.Recommendations = resp.Recommendations
	if insight.Recommendations == nil {
		insight.Recommendations = []string{}
	}
	g.logger.Debug("Insight phrased", map[string]interface{}{
		"statements":      len(insight.Statements),
		"recommendations": len(insight.Recommendations),
		"confidence":      insight.Confidence,
	})
	return insight, nil
}

func (g *Generator) phrase(ctx context.Context, intent models.Intent, results models.ResultSet, agg Aggregates) (response, error) {
	tmpl, err := g.prompts.Snapshot().Get(prompts.StageInsight, string(intent.Category))
	if err != nil {
		return response{}, err
	}

	sample, count := Sample(results, g.config.SampleRows)
	prompt, err := tmpl.Render(promptData{
		Question:    intent.Question,
		Category:    string(intent.Category),
		Aggregates:  agg.Lines(),
		SampleCount: count,
		RowCount:    results.RowCount,
		Sample:      sample,
	})
	if err != nil {
		return response{}, err
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
		return response{}, err
	}

	resp.Statements = compact(resp.Statements)
	resp.Recommendations = compact(resp.Recommendations)
	if len(resp.Statements) == 0 {
		metrics.MalformedModelOutput.WithLabelValues(Stage).Inc()
		return response{}, errors.NewMalformedModelOutputError(Stage, fmt.Errorf("no statements"))
	}
	return resp, nil
}

// window returns the data window length and, for inventory questions, the
// projection horizon. Forward periods project over their own length.
func (g *Generator) window(intent models.Intent) (int, int) {
	period := models.DefaultPeriod(g.config.DefaultWindowDays)
	if raw, ok := intent.Entity(models.EntityTimePeriod); ok {
		if p, ok := models.ParseTimePeriod(raw); ok {
			period = p
		}
	}
	horizon := g.config.DefaultWindowDays
	if period.Forward {
		horizon = period.Days
	}
	return period.Days, horizon
}

// RateConfidence grades an insight by how much data backs it. A low
// confidence intent never yields high, and neither does a value column whose
// coefficient of variation exceeds HighConfidenceMaxVariation: a few outliers
// dominate such totals.
func RateConfidence(rows int, variation float64, intent models.Confidence, cfg Config) models.Confidence {
	cfg = cfg.withDefaults()
	switch {
	case rows >= cfg.HighConfidenceRows && intent != models.ConfidenceLow && variation <= cfg.HighConfidenceMaxVariation:
		return models.ConfidenceHigh
	case rows >= cfg.MediumConfidenceRows:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// Sample renders at most n rows, one JSON object per line.
func Sample(results models.ResultSet, n int) (string, int) {
	rows := results.Rows
	if len(rows) > n {
		rows = rows[:n]
	}
	lines := make([]string, 0, len(rows)+1)
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			continue
		}
		lines = append(lines, string(b))
	}
	if more := results.RowCount - len(rows); more > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more records", more))
	}
	return strings.Join(lines, "\n"), len(rows)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
