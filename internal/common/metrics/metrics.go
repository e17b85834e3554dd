package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 90},
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	QuestionsAnswered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_insights_questions_total",
			Help: "Questions processed by final pipeline state",
		},
		[]string{"state", "category"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_insights_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"stage"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_insights_model_calls_total",
			Help: "Language model calls by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	MalformedModelOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_insights_malformed_model_output_total",
			Help: "Model responses that failed schema validation and were recovered locally",
		},
		[]string{"stage"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_insights_retries_total",
			Help: "Backoff retries applied by the orchestrator",
		},
		[]string{"stage"},
	)

	PromptReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_insights_prompt_reloads_total",
			Help: "Prompt template reloads by result",
		},
		[]string{"result"},
	)
)
