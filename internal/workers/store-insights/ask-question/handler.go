package askquestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"store-insights/internal/common/camunda"
	"store-insights/internal/common/config"
	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/models"
)

const TaskType = "store-insights.ask-question"

// commandTimeout bounds the broker commands sent after the question is
// answered. It is separate from the job timeout so a slow answer is still
// reported.
const commandTimeout = 10 * time.Second

// Asker answers one question; *agent.Agent satisfies it.
type Asker interface {
	Ask(ctx context.Context, question string, store models.StoreContext) models.Answer
}

type Handler struct {
	config       *Config
	agent        Asker
	retry        *camunda.RetryConfig
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
	worker       *camunda.Worker
}

type HandlerOptions struct {
	AppConfig    *config.Config
	CustomConfig *Config
	Agent        Asker
	// RetryConfig governs retried command sends; nil uses the default.
	RetryConfig *camunda.RetryConfig
	Logger      logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)
	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", WorkerName, err)
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewStructured(logger.Options{Level: "info", Format: "json"})
	}
	log = log.With(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:       workerConfig,
		agent:        opts.Agent,
		retry:        opts.RetryConfig,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}, nil
}

func (h *Handler) Config() *Config {
	return h.config
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Processing question", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.ErrCodeValidationFailed)).Inc()
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	output := h.Execute(ctx, input)
	if output.Answer.Failed() {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, output.Answer.Failure.Code).Inc()
	}

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cmdCancel()
	if err := h.completeJob(cmdCtx, client, job, output); err != nil {
		h.errorHandler.HandleJobError(cmdCtx, client, job, err)
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

// Register opens the job subscription unless the worker is disabled.
func (h *Handler) Register(client zbc.Client) error {
	if !h.config.Enabled {
		h.logger.Info("Worker is disabled, skipping registration", map[string]interface{}{
			"worker": TaskType,
		})
		return nil
	}
	if client == nil {
		return fmt.Errorf("zeebe client is required")
	}

	h.worker = camunda.NewWorker(client, camunda.WorkerOptions{
		TaskType:      TaskType,
		MaxJobsActive: h.config.MaxJobsActive,
		Timeout:       h.config.Timeout,
	}, h, h.logger)
	return nil
}

func (h *Handler) Close() {
	if h.worker != nil {
		h.worker.Stop()
		h.worker = nil
	}
}

// Execute runs the pipeline for a validated input.
func (h *Handler) Execute(ctx context.Context, input *Input) *Output {
	answer := h.agent.Ask(ctx, input.Question, models.StoreContext{StoreID: input.StoreID})
	return &Output{Answer: answer}
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	raw := job.GetVariables()
	if result := inputSchema.ValidateBytes([]byte(raw)); !result.Valid {
		return nil, errors.NewValidationFailedError(result.Err().Error())
	}

	var input Input
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, errors.NewValidationFailedError(fmt.Sprintf("parse job variables: %v", err))
	}
	if err := (models.StoreContext{StoreID: input.StoreID}).Validate(); err != nil {
		return nil, errors.NewValidationFailedError(err.Error())
	}
	return &input, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) error {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(output.Variables())
	if err != nil {
		return errors.NewWorkflowEngineError("complete job", false, err)
	}

	_, err = camunda.SendWithRetry(ctx, h.retry, "complete job", func(ctx context.Context) (*pb.CompleteJobResponse, error) {
		return request.Send(ctx)
	})
	if err != nil {
		return err
	}

	h.logger.Info("Question answered", map[string]interface{}{
		"jobKey":              job.GetKey(),
		"requestId":           output.Answer.RequestID,
		"confidence":          output.Answer.Confidence,
		"clarificationNeeded": output.Answer.ClarificationNeeded,
		"failed":              output.Answer.Failed(),
	})
	return nil
}
