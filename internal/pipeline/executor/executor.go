// Package executor runs validated queries against the store warehouse.
package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
	"store-insights/internal/models"
)

const Stage = "executor"

// Executor is the data execution boundary. Every failure is an
// *ExecutionError.
type Executor interface {
	Execute(ctx context.Context, query models.GeneratedQuery, store models.StoreContext) (models.ResultSet, error)
}

// Postgres runs each query inside a read-only transaction.
type Postgres struct {
	db      *sql.DB
	limiter Limiter
	config  Config
	logger  logger.Logger
}

// NewPostgres takes an optional limiter; pass nil to disable rate limiting.
func NewPostgres(db *sql.DB, limiter Limiter, cfg Config, log logger.Logger) *Postgres {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10000
	}
	return &Postgres{
		db:      db,
		limiter: limiter,
		config:  cfg,
		logger:  log.With(map[string]interface{}{"stage": Stage}),
	}
}

func (p *Postgres) Execute(ctx context.Context, query models.GeneratedQuery, store models.StoreContext) (models.ResultSet, error) {
	if !query.Valid {
		return models.ResultSet{}, terminal("refusing to execute an unvalidated query", nil)
	}

	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, store.StoreID)
		switch {
		case err != nil:
			p.logger.Warn("Rate limiter unavailable, continuing", map[string]interface{}{
				"storeId": store.StoreID,
				"error":   err.Error(),
			})
		case !allowed:
			p.logger.Warn("Store rate limit reached", map[string]interface{}{"storeId": store.StoreID})
			return models.ResultSet{}, rateLimited(store.StoreID)
		}
	}

	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(Stage).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return models.ResultSet{}, classify(ctx, "failed to open warehouse transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query.Text, query.Parameters...)
	if err != nil {
		return models.ResultSet{}, classify(ctx, "warehouse query failed", err)
	}
	defer rows.Close()

	result, err := scan(rows, p.config.MaxRows)
	if err != nil {
		return models.ResultSet{}, classify(ctx, "failed to read warehouse rows", err)
	}

	if err := tx.Commit(); err != nil {
		return models.ResultSet{}, classify(ctx, "failed to close warehouse transaction", err)
	}

	p.logger.Info("Query executed", map[string]interface{}{
		"storeId":  store.StoreID,
		"family":   query.Family,
		"rowCount": result.RowCount,
		"duration": time.Since(start).Milliseconds(),
	})
	return result, nil
}

func scan(rows *sql.Rows, maxRows int) (models.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return models.ResultSet{}, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		if len(out) >= maxRows {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return models.ResultSet{}, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return models.ResultSet{}, err
	}
	return models.NewResultSet(columns, out), nil
}

// normalizeValue turns driver byte slices (numeric, text) into strings.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// AsExecutionError extracts the executor error from err, wrapping anything
// else as a terminal failure.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if stderrors.As(err, &execErr) {
		return execErr
	}
	if std, ok := errors.AsStandard(err); ok {
		return &ExecutionError{Retryable: std.Retryable, Message: std.Message, Code: std.Code, Err: err}
	}
	return terminal("data execution failed", err)
}
