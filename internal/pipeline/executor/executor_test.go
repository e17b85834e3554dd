package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/models"
)

// ==========================
// Test Helpers
// ==========================

var (
	testStore = models.StoreContext{StoreID: "acme-goods.myshopify.com"}
	testNow   = time.Date(2024, 5, 20, 12, 0, 30, 0, time.UTC)
)

func testQuery() models.GeneratedQuery {
	return models.GeneratedQuery{
		Text:       "SELECT title, units FROM sales WHERE store_id = $1 AND day >= $2 AND day < $3",
		Parameters: []interface{}{testStore.StoreID, testNow.AddDate(0, 0, -30), testNow},
		Family:     "sales_by_product_over_window",
		Valid:      true,
		Attempts:   1,
	}
}

func createTestExecutor(t *testing.T, limiter Limiter) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db, limiter, Config{Timeout: time.Second}, logger.NewTestLogger(t)), mock
}

func expectQuery(mock sqlmock.Sqlmock, q models.GeneratedQuery) *sqlmock.ExpectedQuery {
	args := make([]driver.Value, len(q.Parameters))
	for i, p := range q.Parameters {
		args[i] = p
	}
	return mock.ExpectQuery(regexp.QuoteMeta(q.Text)).WithArgs(args...)
}

// ==========================
// Execution
// ==========================

func TestExecute_Success(t *testing.T) {
	exec, mock := createTestExecutor(t, nil)
	q := testQuery()

	mock.ExpectBegin()
	expectQuery(mock, q).WillReturnRows(
		sqlmock.NewRows([]string{"title", "units"}).
			AddRow("Blue Mug", int64(42)).
			AddRow([]byte("Red Mug"), []byte("17.50")),
	)
	mock.ExpectCommit()

	result, err := exec.Execute(context.Background(), q, testStore)

	require.NoError(t, err)
	assert.Equal(t, []string{"title", "units"}, result.Columns)
	assert.Equal(t, 2, result.RowCount)
	assert.Len(t, result.Rows, result.RowCount)
	assert.Equal(t, "Blue Mug", result.Rows[0]["title"])
	assert.Equal(t, int64(42), result.Rows[0]["units"])
	assert.Equal(t, "Red Mug", result.Rows[1]["title"])
	assert.Equal(t, "17.50", result.Rows[1]["units"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_EmptyResult(t *testing.T) {
	exec, mock := createTestExecutor(t, nil)
	q := testQuery()

	mock.ExpectBegin()
	expectQuery(mock, q).WillReturnRows(sqlmock.NewRows([]string{"title", "units"}))
	mock.ExpectCommit()

	result, err := exec.Execute(context.Background(), q, testStore)

	require.NoError(t, err)
	assert.Equal(t, 0, result.RowCount)
	assert.NotNil(t, result.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RefusesInvalidQuery(t *testing.T) {
	exec, mock := createTestExecutor(t, nil)
	q := testQuery()
	q.Valid = false

	_, err := exec.Execute(context.Background(), q, testStore)

	execErr := AsExecutionError(err)
	require.NotNil(t, execErr)
	assert.False(t, execErr.Retryable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
	}{
		{"statement timeout", &pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"}, true},
		{"connection failure", &pq.Error{Code: "08006", Message: "connection failure"}, true},
		{"serialization failure", &pq.Error{Code: "40001", Message: "could not serialize access"}, true},
		{"out of memory", &pq.Error{Code: "53200", Message: "out of memory"}, true},
		{"undefined column", &pq.Error{Code: "42703", Message: `column "revenue" does not exist`}, false},
		{"read only transaction", &pq.Error{Code: "25006", Message: "cannot execute UPDATE in a read-only transaction"}, false},
		{"bad connection", driver.ErrBadConn, true},
		{"unknown driver error", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, mock := createTestExecutor(t, nil)
			q := testQuery()

			mock.ExpectBegin()
			expectQuery(mock, q).WillReturnError(tt.err)
			mock.ExpectRollback()

			_, err := exec.Execute(context.Background(), q, testStore)

			execErr := AsExecutionError(err)
			require.NotNil(t, execErr)
			assert.Equal(t, tt.wantRetryable, execErr.Retryable)
			assert.Equal(t, apperrors.ErrCodeDataExecutionFailed, execErr.Code)
			assert.Equal(t, tt.wantRetryable, execErr.Standard().Retryable)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestExecute_BeginFails(t *testing.T) {
	exec, mock := createTestExecutor(t, nil)
	mock.ExpectBegin().WillReturnError(fmt.Errorf("dial tcp: connection refused"))

	_, err := exec.Execute(context.Background(), testQuery(), testStore)

	execErr := AsExecutionError(err)
	require.NotNil(t, execErr)
	assert.True(t, execErr.Retryable)
}

func TestExecute_Cancelled(t *testing.T) {
	exec, mock := createTestExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock.ExpectBegin().WillReturnError(context.Canceled)

	_, err := exec.Execute(ctx, testQuery(), testStore)

	execErr := AsExecutionError(err)
	require.NotNil(t, execErr)
	assert.False(t, execErr.Retryable)
	assert.Equal(t, apperrors.ErrCodeCancelled, execErr.Code)
}

// ==========================
// Rate Limiting
// ==========================

func TestExecute_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := clockwork.NewFakeClockAt(testNow)
	limiter := NewRedisLimiter(rdb, 1, time.Minute, clock)
	exec, mock := createTestExecutor(t, limiter)
	q := testQuery()

	mock.ExpectBegin()
	expectQuery(mock, q).WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("Blue Mug"))
	mock.ExpectCommit()

	_, err := exec.Execute(context.Background(), q, testStore)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), q, testStore)
	execErr := AsExecutionError(err)
	require.NotNil(t, execErr)
	assert.True(t, execErr.Retryable)
	assert.Equal(t, apperrors.ErrCodeRateLimited, execErr.Code)
	assert.True(t, apperrors.HasCode(execErr.Standard(), apperrors.ErrCodeRateLimited))

	// Another store has its own window.
	allowed, err := limiter.Allow(context.Background(), "other-shop.myshopify.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The next window starts fresh.
	clock.Advance(time.Minute)
	allowed, err = limiter.Allow(context.Background(), testStore.StoreID)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiter_SetsWindowExpiry(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	clock := clockwork.NewFakeClockAt(testNow)
	limiter := NewRedisLimiter(client, 5, time.Minute, clock)
	key := limiter.key(testStore.StoreID)

	redisMock.ExpectTxPipeline()
	redisMock.ExpectIncr(key).SetVal(6)
	redisMock.ExpectExpire(key, time.Minute).SetVal(true)
	redisMock.ExpectTxPipelineExec()

	allowed, err := limiter.Allow(context.Background(), testStore.StoreID)

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestExecute_LimiterUnavailableFailsOpen(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	clock := clockwork.NewFakeClockAt(testNow)
	limiter := NewRedisLimiter(client, 5, time.Minute, clock)
	key := limiter.key(testStore.StoreID)

	redisMock.ExpectTxPipeline()
	redisMock.ExpectIncr(key).SetErr(errors.New("redis down"))

	exec, mock := createTestExecutor(t, limiter)
	q := testQuery()
	mock.ExpectBegin()
	expectQuery(mock, q).WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("Blue Mug"))
	mock.ExpectCommit()

	result, err := exec.Execute(context.Background(), q, testStore)

	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
