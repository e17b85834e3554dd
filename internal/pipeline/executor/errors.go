package executor

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"store-insights/internal/common/errors"
)

// ExecutionError is the only error type Execute returns.
type ExecutionError struct {
	Retryable bool
	Message   string
	Code      errors.ErrorCode
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Standard converts the error to the shared taxonomy for job failures.
func (e *ExecutionError) Standard() *errors.StandardError {
	switch e.Code {
	case errors.ErrCodeRateLimited:
		return errors.NewRateLimitedError(e.Message)
	case errors.ErrCodeCancelled:
		return errors.NewCancelledError(e)
	default:
		return errors.NewDataExecutionFailedError(e.Retryable, e)
	}
}

func retryable(message string, err error) *ExecutionError {
	return &ExecutionError{Retryable: true, Message: message, Code: errors.ErrCodeDataExecutionFailed, Err: err}
}

func terminal(message string, err error) *ExecutionError {
	return &ExecutionError{Retryable: false, Message: message, Code: errors.ErrCodeDataExecutionFailed, Err: err}
}

func rateLimited(storeID string) *ExecutionError {
	return &ExecutionError{Retryable: true, Message: storeID, Code: errors.ErrCodeRateLimited}
}

// Retryable postgres SQLSTATE classes and codes.
var retryableStates = map[string]bool{
	"08":    true, // connection exception
	"53":    true, // insufficient resources
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// classify maps a driver failure to a retryable or terminal ExecutionError.
func classify(ctx context.Context, message string, err error) *ExecutionError {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(ctx.Err(), context.Canceled) {
		return &ExecutionError{Message: "execution cancelled", Code: errors.ErrCodeCancelled, Err: err}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return retryable("warehouse query timed out", err)
	}
	if stderrors.Is(err, driver.ErrBadConn) {
		return retryable(message, err)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if retryableStates[code] || retryableStates[string(pqErr.Code.Class())] {
			return retryable(message, err)
		}
		return terminal(message, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return retryable(message, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return retryable(message, err)
	}
	return terminal(message, err)
}
