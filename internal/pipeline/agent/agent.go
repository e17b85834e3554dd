// Package agent runs one question through the pipeline as an explicit state
// machine: classify, generate a query, execute it, analyze, format.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/models"
	"store-insights/internal/pipeline/executor"
	"store-insights/internal/pipeline/formatter"
)

type Classifier interface {
	Classify(ctx context.Context, question string) (models.Intent, error)
}

type QueryGenerator interface {
	Generate(ctx context.Context, intent models.Intent, store models.StoreContext) (models.GeneratedQuery, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, intent models.Intent, results models.ResultSet) (models.Insight, error)
}

// Recorder receives one event per finished question.
type Recorder interface {
	RecordQuestion(ctx context.Context, outcome, confidence string, dataPoints int, duration time.Duration)
}

type Dependencies struct {
	Classifier Classifier
	Generator  QueryGenerator
	Executor   executor.Executor
	Analyzer   Analyzer
	// Recorder is optional.
	Recorder Recorder
}

type Agent struct {
	config Config
	deps   Dependencies
	clock  clockwork.Clock
	logger logger.Logger

	// onRetry observes every backoff delay before it is applied.
	onRetry func(stage string, err error, delay time.Duration)
}

func New(cfg Config, deps Dependencies, clock clockwork.Clock, log logger.Logger) *Agent {
	return &Agent{
		config: cfg.withDefaults(),
		deps:   deps,
		clock:  clock,
		logger: log,
	}
}

// run holds everything produced while answering one question.
type run struct {
	id       string
	question string
	store    models.StoreContext
	state    State
	outcome  Outcome
	intent   models.Intent
	query    models.GeneratedQuery
	results  models.ResultSet
	insight  models.Insight
	err      error
	answer   models.Answer
	steps    []string
	logger   logger.Logger
}

func (r *run) step(format string, args ...interface{}) {
	r.steps = append(r.steps, fmt.Sprintf(format, args...))
}

// Ask always returns an Answer; failures are described on Answer.Failure.
func (a *Agent) Ask(ctx context.Context, question string, store models.StoreContext) models.Answer {
	start := a.clock.Now()
	r := &run{
		id:       uuid.New().String(),
		question: strings.TrimSpace(question),
		store:    store,
		state:    StateReceived,
	}
	r.logger = a.logger.With(map[string]interface{}{
		"requestId": r.id,
		"storeId":   store.StoreID,
	})

	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	for r.state != StateDone {
		if err := ctx.Err(); err != nil {
			a.cancelled(r, err)
			break
		}
		prev := r.state
		r.state = a.next(ctx, r)
		r.logger.Debug("State transition", map[string]interface{}{
			"from": prev.String(),
			"to":   r.state.String(),
		})
	}

	answer := r.answer
	answer.RequestID = r.id
	answer.ReasoningSteps = r.steps

	duration := a.clock.Since(start)
	metrics.QuestionsAnswered.WithLabelValues(string(r.outcome), string(r.intent.Category)).Inc()
	if a.deps.Recorder != nil {
		a.deps.Recorder.RecordQuestion(ctx, string(r.outcome), string(answer.Confidence), answer.DataPoints, duration)
	}
	r.logger.Info("Question answered", map[string]interface{}{
		"outcome":    r.outcome,
		"category":   r.intent.Category,
		"confidence": answer.Confidence,
		"dataPoints": answer.DataPoints,
		"duration":   duration.String(),
	})
	return answer
}

// next runs the handler for r.state and returns the state to move to.
func (a *Agent) next(ctx context.Context, r *run) State {
	switch r.state {
	case StateReceived:
		return a.received(r)
	case StateClassifying:
		return a.classifying(ctx, r)
	case StateClarificationNeeded:
		return a.clarificationNeeded(r)
	case StateGeneratingQuery:
		return a.generatingQuery(ctx, r)
	case StateQueryFailed:
		return a.queryFailed(r)
	case StateExecuting:
		return a.executing(ctx, r)
	case StateExecutionFailed:
		return a.executionFailed(r)
	case StateAnalyzing:
		return a.analyzing(ctx, r)
	case StateFormatting:
		return a.formatting(r)
	default:
		return StateDone
	}
}

func (a *Agent) received(r *run) State {
	if r.question == "" {
		a.invalid(r, "Please ask a question about your store.", "question is required")
		return StateDone
	}
	if err := r.store.Validate(); err != nil {
		a.invalid(r, "I couldn't identify which store this question is about.", err.Error())
		return StateDone
	}
	return StateClassifying
}

func (a *Agent) classifying(ctx context.Context, r *run) State {
	r.step("Analyzing the question to understand what is being asked")

	intent, err := retry(ctx, a, "classifier", a.config.ModelMaxRetries, func() (models.Intent, error) {
		intent, err := a.deps.Classifier.Classify(ctx, r.question)
		if err != nil && !errors.IsRetryable(err) {
			return intent, backoff.Permanent(err)
		}
		return intent, err
	}, func() {
		r.step("The analysis service was unavailable, retrying")
	})
	if err != nil {
		if isCancelled(ctx, err) {
			a.cancelled(r, err)
			return StateDone
		}
		a.modelUnavailable(r, "Classification failed", err)
		return StateDone
	}

	r.intent = intent
	r.logger = r.logger.With(map[string]interface{}{"category": intent.Category})
	r.step("Identified the question as %s with %s confidence", humanCategory(intent.Category), intent.Confidence)
	for _, kind := range models.EntityKinds {
		if v, ok := intent.Entity(kind); ok {
			r.step("Noted %s: %s", strings.ReplaceAll(string(kind), "_", " "), v)
		}
	}

	if intent.Ambiguous {
		return StateClarificationNeeded
	}
	return StateGeneratingQuery
}

func (a *Agent) clarificationNeeded(r *run) State {
	missing := r.intent.MissingDimensions()
	r.outcome = OutcomeClarification
	r.step("Asked for more detail about %s", joinWords(missing))
	r.answer = models.Answer{
		Text: fmt.Sprintf("I need a bit more detail to answer that. Could you tell me %s you are interested in? "+
			"For example: \"What were my top 5 selling products last week?\"", withArticle(missing)),
		Confidence:          models.ConfidenceLow,
		ClarificationNeeded: true,
	}
	r.logger.Info("Clarification needed", map[string]interface{}{"missing": missing})
	return StateDone
}

func (a *Agent) generatingQuery(ctx context.Context, r *run) State {
	r.step("Building a data search for %s", humanCategory(r.intent.Category))

	query, err := a.deps.Generator.Generate(ctx, r.intent, r.store)
	r.query = query
	if err != nil {
		if isCancelled(ctx, err) {
			a.cancelled(r, err)
			return StateDone
		}
		if errors.HasCode(err, errors.ErrCodeModelUnavailable) || errors.HasCode(err, errors.ErrCodeLLMTimeout) {
			a.modelUnavailable(r, "Query generation could not reach the model", err)
			return StateDone
		}
		r.err = err
		return StateQueryFailed
	}
	r.step("Prepared the data search after %d attempt(s)", query.Attempts)
	return StateExecuting
}

func (a *Agent) queryFailed(r *run) State {
	r.outcome = OutcomeQueryFailed
	r.answer = failureAnswer(errors.ErrCodeQueryGenerationFailed,
		"I wasn't able to build a data search for that question. Try rephrasing it or asking about a specific product or period.",
		true)
	r.answer.QueryUsed = r.query.Text
	r.logger.Error("Query generation failed", map[string]interface{}{"error": errString(r.err)})
	return StateDone
}

func (a *Agent) executing(ctx context.Context, r *run) State {
	r.step("Retrieving store records")

	results, err := retry(ctx, a, executor.Stage, a.config.ExecutionMaxRetries, func() (models.ResultSet, error) {
		results, err := a.deps.Executor.Execute(ctx, r.query, r.store)
		if err == nil {
			return results, nil
		}
		if execErr := executor.AsExecutionError(err); !execErr.Retryable {
			return results, backoff.Permanent(execErr)
		}
		return results, err
	}, func() {
		r.step("The data source was busy, retrying")
	})
	if err != nil {
		if isCancelled(ctx, err) {
			a.cancelled(r, err)
			return StateDone
		}
		r.err = err
		return StateExecutionFailed
	}

	r.results = results
	r.step("Retrieved %d records", results.RowCount)
	return StateAnalyzing
}

func (a *Agent) executionFailed(r *run) State {
	execErr := executor.AsExecutionError(r.err)
	r.outcome = OutcomeExecutionFailed

	text := "I couldn't retrieve the data needed for that question."
	switch {
	case execErr.Code == errors.ErrCodeRateLimited:
		text = "Too many questions are being asked for this store right now. Please try again in a minute."
	case execErr.Retryable:
		text = "I couldn't retrieve your store data right now. Please try again shortly."
	}

	r.answer = failureAnswer(execErr.Code, text, execErr.Retryable)
	r.answer.QueryUsed = r.query.Text
	r.logger.Error("Execution failed", map[string]interface{}{
		"error":     execErr.Error(),
		"retryable": execErr.Retryable,
	})
	return StateDone
}

func (a *Agent) analyzing(ctx context.Context, r *run) State {
	r.step("Analyzing results and generating insights")

	insight, err := a.deps.Analyzer.Analyze(ctx, r.intent, r.results)
	if err != nil {
		// The analyzer degrades locally; only cancellation reaches here.
		a.cancelled(r, err)
		return StateDone
	}
	r.insight = insight
	return StateFormatting
}

func (a *Agent) formatting(r *run) State {
	r.answer = formatter.Format(r.intent, r.query, r.insight)
	r.outcome = OutcomeAnswered
	r.step("Summarized the findings in plain language")
	return StateDone
}

func (a *Agent) modelUnavailable(r *run, msg string, err error) {
	r.err = err
	r.outcome = OutcomeModelUnavailable
	r.answer = failureAnswer(errors.ErrCodeModelUnavailable,
		"I couldn't reach the analysis service just now. Please try again in a moment.",
		errors.IsRetryable(err))
	r.logger.Error(msg, map[string]interface{}{"error": err.Error()})
}

func (a *Agent) invalid(r *run, text, details string) {
	r.outcome = OutcomeInvalidInput
	r.err = errors.NewValidationFailedError(details)
	r.answer = failureAnswer(errors.ErrCodeValidationFailed, text, false)
	r.logger.Warn("Rejected question", map[string]interface{}{"reason": details})
}

func (a *Agent) cancelled(r *run, err error) {
	r.outcome = OutcomeCancelled
	r.err = err
	r.answer = failureAnswer(errors.ErrCodeCancelled, "The request was cancelled before an answer was ready.", false)
	r.logger.Warn("Question cancelled", map[string]interface{}{
		"state": r.state.String(),
		"error": errString(err),
	})
	r.state = StateDone
}

// retry runs op up to maxRetries+1 times with exponential backoff. Errors
// wrapped in backoff.Permanent stop immediately. retried is called before
// each delay.
func retry[T any](ctx context.Context, a *Agent, stage string, maxRetries int, op backoff.Operation[T], retried func()) (T, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     a.config.BackoffInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         a.config.BackoffMax,
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			metrics.Retries.WithLabelValues(stage).Inc()
			a.logger.Warn("Retrying after transient failure", map[string]interface{}{
				"stage": stage,
				"delay": delay.String(),
				"error": err.Error(),
			})
			retried()
			if a.onRetry != nil {
				a.onRetry(stage, err, delay)
			}
		}),
	)
}

func failureAnswer(code errors.ErrorCode, text string, retry bool) models.Answer {
	return models.Answer{
		Text:       text,
		Confidence: models.ConfidenceLow,
		Failure: &models.Failure{
			Code:    string(code),
			Message: text,
			Retry:   retry,
		},
	}
}

func isCancelled(ctx context.Context, err error) bool {
	return errors.HasCode(err, errors.ErrCodeCancelled) || ctx.Err() != nil
}

func humanCategory(c models.Category) string {
	return strings.ReplaceAll(string(c), "_", " ")
}

func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
}

func withArticle(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = "the " + w
	}
	return joinWords(out)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
