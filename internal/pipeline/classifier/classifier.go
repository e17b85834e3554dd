// Package classifier turns a free-text question into a models.Intent.
package classifier

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/common/validation"
	"store-insights/internal/llm"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

const (
	Stage = "classifier"

	highThreshold   = 0.85
	mediumThreshold = 0.7

	maxLimit      = 100
	maxEntityText = 200
)

var allowedMetrics = map[string]bool{
	"count":   true,
	"sum":     true,
	"average": true,
	"total":   true,
	"max":     true,
	"min":     true,
}

var responseSchema = validation.MustCompile(validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"category": {Type: "string", Description: "one of the listed categories"},
		"confidence": {
			Type:    "number",
			Minimum: validation.FloatPtr(0),
			Maximum: validation.FloatPtr(1),
		},
		"entities": {Type: "object"},
	},
	Required: []string{"category", "confidence"},
})

type response struct {
	Category   string                 `json:"category"`
	Confidence float64                `json:"confidence"`
	Entities   map[string]interface{} `json:"entities"`
}

type promptData struct {
	Question string
}

type Classifier struct {
	llm     llm.Service
	prompts *prompts.Store
	logger  logger.Logger
}

func New(svc llm.Service, store *prompts.Store, log logger.Logger) *Classifier {
	return &Classifier{
		llm:     svc,
		prompts: store,
		logger:  log.With(map[string]interface{}{"stage": Stage}),
	}
}

// Classify makes exactly one model call. Malformed model output is recovered
// as an ambiguous unknown intent; transport failures are returned so the
// caller can decide on a retry.
func (c *Classifier) Classify(ctx context.Context, question string) (models.Intent, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Intent{}, errors.NewValidationFailedError("question must not be empty")
	}

	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(Stage).Observe(time.Since(start).Seconds())
	}()

	tmpl, err := c.prompts.Snapshot().Get(prompts.StageClassifier, "default")
	if err != nil {
		return models.Intent{}, err
	}
	prompt, err := tmpl.Render(promptData{Question: question})
	if err != nil {
		return models.Intent{}, err
	}

	var resp response
	err = llm.CompleteJSON(ctx, c.llm, llm.Request{
		Stage:       Stage,
		System:      tmpl.System,
		Prompt:      prompt,
		Temperature: tmpl.Temperature,
		MaxTokens:   tmpl.MaxTokens,
	}, responseSchema, &resp)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeMalformedModelOutput) {
			c.logger.Warn("Classifier output rejected, treating question as ambiguous", map[string]interface{}{
				"error": err.Error(),
			})
			return fallbackIntent(question), nil
		}
		return models.Intent{}, err
	}

	intent := buildIntent(question, resp)
	c.logger.Debug("Question classified", map[string]interface{}{
		"category":   intent.Category,
		"confidence": intent.Confidence,
		"ambiguous":  intent.Ambiguous,
		"entities":   len(intent.Entities),
	})
	return intent, nil
}

func fallbackIntent(question string) models.Intent {
	return models.Intent{
		Question:   question,
		Category:   models.CategoryUnknown,
		Entities:   map[models.EntityKind]string{},
		Confidence: models.ConfidenceLow,
		Ambiguous:  true,
	}
}

func buildIntent(question string, resp response) models.Intent {
	category, known := models.ParseCategory(resp.Category)
	confidence := MapConfidence(resp.Confidence)
	if !known || category == models.CategoryUnknown {
		category = models.CategoryUnknown
		confidence = models.ConfidenceLow
	}

	entities := normalizeEntities(resp.Entities)

	return models.Intent{
		Question:   question,
		Category:   category,
		Entities:   entities,
		Confidence: confidence,
		Ambiguous:  category == models.CategoryUnknown || (confidence == models.ConfidenceLow && len(entities) == 0),
	}
}

// MapConfidence converts the model's 0..1 score to the three-level scale.
func MapConfidence(score float64) models.Confidence {
	switch {
	case score >= highThreshold:
		return models.ConfidenceHigh
	case score >= mediumThreshold:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// normalizeEntities keeps the recognised kinds whose values make sense and
// drops the rest.
func normalizeEntities(raw map[string]interface{}) map[models.EntityKind]string {
	out := make(map[models.EntityKind]string, len(raw))
	for name, value := range raw {
		kind := models.EntityKind(strings.ToLower(strings.TrimSpace(name)))
		var (
			v  string
			ok bool
		)
		switch kind {
		case models.EntityTimePeriod:
			var p models.TimePeriod
			if p, ok = models.ParseTimePeriod(asString(value)); ok {
				v = p.Label
			}
		case models.EntityLimit:
			v, ok = normalizeLimit(value)
		case models.EntityMetric:
			v = strings.ToLower(strings.TrimSpace(asString(value)))
			ok = allowedMetrics[v]
		case models.EntityProductName, models.EntityCustomerSegment:
			v = truncate(strings.TrimSpace(asString(value)), maxEntityText)
			ok = v != ""
		}
		if ok {
			out[kind] = v
		}
	}
	return out
}

func normalizeLimit(value interface{}) (string, bool) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", false
		}
		n = float64(parsed)
	default:
		return "", false
	}
	if n <= 0 || n != math.Trunc(n) {
		return "", false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return strconv.Itoa(int(n)), true
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
