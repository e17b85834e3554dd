package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	// Input validation
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeAmbiguousQuestion ErrorCode = "AMBIGUOUS_QUESTION"

	// Language model
	ErrCodeLLMTimeout           ErrorCode = "LLM_TIMEOUT"
	ErrCodeModelUnavailable     ErrorCode = "MODEL_UNAVAILABLE"
	ErrCodeMalformedModelOutput ErrorCode = "MALFORMED_MODEL_OUTPUT"

	// Query generation and execution
	ErrCodeQueryGenerationFailed ErrorCode = "QUERY_GENERATION_FAILED"
	ErrCodeDataExecutionFailed   ErrorCode = "DATA_EXECUTION_FAILED"
	ErrCodeRateLimited           ErrorCode = "RATE_LIMITED"

	// Prompt templates
	ErrCodeTemplateNotFound         ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateValidationFailed ErrorCode = "TEMPLATE_VALIDATION_FAILED"

	// Infrastructure
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeWorkflowEngineFailed     ErrorCode = "WORKFLOW_ENGINE_FAILED"
	ErrCodeCancelled                ErrorCode = "CANCELLED"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata returns the same error with an extra metadata entry.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

func NewValidationFailedError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Input validation failed", details, false)
}

func NewAmbiguousQuestionError(missing []string) *StandardError {
	return newError(ErrCodeAmbiguousQuestion, "Question needs clarification",
		"missing: "+strings.Join(missing, ","), false)
}

func NewLLMTimeoutError(provider string) *StandardError {
	return newError(ErrCodeLLMTimeout, "Language model call timed out",
		fmt.Sprintf("provider: %s", provider), true)
}

// NewModelUnavailableError covers transport failures, 5xx and 429 answers
// from a model provider.
func NewModelUnavailableError(provider string, err error) *StandardError {
	return newError(ErrCodeModelUnavailable, "Language model service unavailable",
		fmt.Sprintf("provider: %s, error: %s", provider, errString(err)), true)
}

// NewModelRejectedError is a non-retryable provider answer (bad request, auth).
func NewModelRejectedError(provider string, err error) *StandardError {
	return newError(ErrCodeModelUnavailable, "Language model rejected the request",
		fmt.Sprintf("provider: %s, error: %s", provider, errString(err)), false)
}

func NewMalformedModelOutputError(stage string, err error) *StandardError {
	return newError(ErrCodeMalformedModelOutput, "Language model output did not match the expected schema",
		fmt.Sprintf("stage: %s, error: %s", stage, errString(err)), false)
}

func NewQueryGenerationFailedError(attempts int, lastReason string) *StandardError {
	return newError(ErrCodeQueryGenerationFailed, "Unable to generate a valid query",
		fmt.Sprintf("attempts: %d, last: %s", attempts, lastReason), true)
}

func NewDataExecutionFailedError(retryable bool, err error) *StandardError {
	return newError(ErrCodeDataExecutionFailed, "Data execution failed", errString(err), retryable)
}

func NewRateLimitedError(storeID string) *StandardError {
	return newError(ErrCodeRateLimited, "Store data rate limit reached",
		fmt.Sprintf("storeId: %s", storeID), true)
}

func NewTemplateNotFoundError(key string) *StandardError {
	return newError(ErrCodeTemplateNotFound, "Prompt template not found", fmt.Sprintf("key: %s", key), false)
}

func NewTemplateValidationFailedError(details string) *StandardError {
	return newError(ErrCodeTemplateValidationFailed, "Prompt template validation failed", details, false)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", errString(err), true)
}

func NewWorkflowEngineError(operation string, retryable bool, err error) *StandardError {
	return newError(ErrCodeWorkflowEngineFailed, "Workflow engine operation failed",
		fmt.Sprintf("operation: %s, error: %s", operation, errString(err)), retryable)
}

func NewCancelledError(err error) *StandardError {
	return newError(ErrCodeCancelled, "Request was cancelled", errString(err), false)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// AsStandard extracts a *StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable StandardError, or a deadline
// expiry that was not caused by the caller cancelling.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// HasCode reports whether any StandardError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Code == code
}

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeValidationFailed:         "VALIDATION_FAILED",
	ErrCodeQueryGenerationFailed:    "QUERY_GENERATION_FAILED",
	ErrCodeDataExecutionFailed:      "DATA_EXECUTION_FAILED",
	ErrCodeModelUnavailable:         "MODEL_UNAVAILABLE",
	ErrCodeLLMTimeout:               "LLM_TIMEOUT",
	ErrCodeRateLimited:              "RATE_LIMITED",
	ErrCodeDatabaseConnectionFailed: "DATABASE_CONNECTION_FAILED",
	ErrCodeWorkflowEngineFailed:     "WORKFLOW_ENGINE_FAILED",
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeDataExecutionFailed,
		ErrCodeModelUnavailable:
		return 3

	case ErrCodeLLMTimeout,
		ErrCodeRateLimited,
		ErrCodeWorkflowEngineFailed,
		ErrCodeQueryGenerationFailed:
		return 2

	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "AMBIGUOUS"):
		return "INPUT"
	case strings.Contains(codeStr, "MODEL") || strings.Contains(codeStr, "LLM"):
		return "AI"
	case strings.Contains(codeStr, "QUERY"):
		return "QUERY"
	case strings.Contains(codeStr, "EXECUTION") || strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "RATE"):
		return "DATA"
	case strings.Contains(codeStr, "TEMPLATE"):
		return "TEMPLATE"
	default:
		return "OTHER"
	}
}
