package querygen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/llm/llmtest"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

// ==========================
// Test Helpers
// ==========================

var (
	testStore = models.StoreContext{StoreID: "acme-goods.myshopify.com"}
	testNow   = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
)

const validSalesQuery = `SELECT p.title, SUM(li.quantity) AS units, SUM(li.quantity * li.price) AS revenue
FROM order_line_items li
JOIN orders o ON o.id = li.order_id AND o.store_id = $1
JOIN products p ON p.id = li.product_id AND p.store_id = $1
WHERE li.store_id = $1 AND o.created_at >= $2 AND o.created_at < $3
GROUP BY p.title
ORDER BY revenue DESC`

func salesIntent(entities map[models.EntityKind]string) models.Intent {
	if entities == nil {
		entities = map[models.EntityKind]string{}
	}
	return models.Intent{
		Question:   "What were my top products?",
		Category:   models.CategorySalesTrends,
		Entities:   entities,
		Confidence: models.ConfidenceHigh,
	}
}

func queryReply(q string) llmtest.Reply {
	body, _ := json.Marshal(map[string]string{"query": q})
	return llmtest.Text(string(body))
}

func newTestGenerator(t *testing.T, svc *llmtest.Service, bound int) *Generator {
	return New(
		Config{RetryBound: bound, DefaultWindowDays: 30},
		svc,
		prompts.NewStore(nil, logger.NewNoOpLogger()),
		clockwork.NewFakeClockAt(testNow),
		logger.NewTestLogger(t),
	)
}

func baseParams() Parameters {
	return BuildParameters(salesIntent(nil), testStore, testNow, 30)
}

// ==========================
// Parameters
// ==========================

func TestBuildParameters_DefaultWindow(t *testing.T) {
	p := baseParams()

	require.Len(t, p.Values, 3)
	assert.Equal(t, testStore.StoreID, p.Values[0])
	assert.Equal(t, testNow.AddDate(0, 0, -30), p.Values[1])
	assert.Equal(t, testNow, p.Values[2])
	assert.Equal(t, "last_30_days", p.Period.Label)
}

func TestBuildParameters_Entities(t *testing.T) {
	p := BuildParameters(salesIntent(map[models.EntityKind]string{
		models.EntityTimePeriod:      "last_week",
		models.EntityLimit:           "5",
		models.EntityProductName:     "50% Off_Mug",
		models.EntityCustomerSegment: "vip",
	}), testStore, testNow, 30)

	require.Len(t, p.Values, 6)
	assert.Equal(t, testNow.AddDate(0, 0, -7), p.Values[1])
	assert.Equal(t, 5, p.Values[3])
	assert.Equal(t, `%50\% Off\_Mug%`, p.Values[4])
	assert.Equal(t, "vip", p.Values[5])
	assert.Equal(t, 5, p.Limit)
	assert.ElementsMatch(t, []string{testStore.StoreID, "50% Off_Mug", "vip"}, p.Literals)
	assert.Equal(t, "row_limit", p.Slots[3].Name)
	assert.Equal(t, 6, p.Slots[5].Index)
}

// ==========================
// Validation
// ==========================

func TestValidate(t *testing.T) {
	limitParams := BuildParameters(salesIntent(map[models.EntityKind]string{
		models.EntityLimit:       "10",
		models.EntityProductName: "Blue Mug",
	}), testStore, testNow, 30)

	tests := []struct {
		name     string
		query    string
		params   Parameters
		wantRule string
	}{
		{name: "valid", query: validSalesQuery, params: baseParams()},
		{
			name:   "valid with cte and optional params",
			params: limitParams,
			query: `WITH sold AS (
  SELECT li.product_id, SUM(li.quantity) AS units
  FROM order_line_items li JOIN orders o ON o.id = li.order_id
  WHERE li.store_id = $1 AND o.created_at >= $2 AND o.created_at < $3
  GROUP BY li.product_id
)
SELECT p.title, s.units FROM sold s JOIN products p ON p.id = s.product_id
WHERE p.store_id = $1 AND p.title ILIKE $5
ORDER BY s.units DESC LIMIT $4`,
		},
		{name: "empty", query: "", params: baseParams(), wantRule: "non_empty"},
		{name: "not a select", query: "EXPLAIN SELECT 1 FROM orders", params: baseParams(), wantRule: "read_only"},
		{name: "no from", query: "SELECT $1, $2, $3", params: baseParams(), wantRule: "read_only"},
		{
			name:     "forbidden keyword",
			query:    "WITH x AS (DELETE FROM orders WHERE store_id = $1 RETURNING *) SELECT * FROM x WHERE $2 < $3",
			params:   baseParams(),
			wantRule: "forbidden_keyword",
		},
		{
			name:     "stacked statement",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND created_at BETWEEN $2 AND $3; SELECT 1 FROM products",
			params:   baseParams(),
			wantRule: "single_statement",
		},
		{
			name:     "unbalanced parens",
			query:    "SELECT id FROM orders WHERE (store_id = $1 AND created_at >= $2 AND created_at < $3",
			params:   baseParams(),
			wantRule: "balanced",
		},
		{
			name:     "unterminated quote",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND status = 'paid AND created_at BETWEEN $2 AND $3",
			params:   baseParams(),
			wantRule: "balanced",
		},
		{
			name:     "aggregate without group by",
			query:    "SELECT product_id, SUM(quantity) FROM order_line_items WHERE store_id = $1 AND $2 < $3",
			params:   baseParams(),
			wantRule: "group_by",
		},
		{
			name:     "missing store filter",
			query:    "SELECT id FROM orders WHERE created_at >= $2 AND created_at < $3 AND $1 IS NOT NULL",
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name:     "store filter next to top-level or",
			query:    "SELECT id, total_price FROM orders WHERE store_id = $1 OR TRUE AND created_at >= $2 AND created_at < $3",
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name:   "or inside parentheses",
			query:  "SELECT id FROM orders WHERE store_id = $1 AND (created_at >= $2 OR created_at IS NULL) AND created_at < $3",
			params: baseParams(),
		},
		{
			name:   "store filter inside between conjuncts",
			query:  "SELECT id FROM orders WHERE created_at BETWEEN $2 AND $3 AND (store_id = $1)",
			params: baseParams(),
		},
		{
			name: "union branch without store filter",
			query: `SELECT id, total_price FROM orders WHERE created_at >= $2 AND created_at < $3
UNION ALL
SELECT id, total_price FROM orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3`,
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name: "every union branch filtered",
			query: `SELECT id, total_price FROM orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
UNION ALL
SELECT id, total_price FROM draft_orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3`,
			params: baseParams(),
		},
		{
			name:     "subquery without store filter",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND customer_id IN (SELECT id FROM customers WHERE created_at >= $2) AND created_at < $3",
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name:     "cte body without store filter",
			query:    "WITH recent AS (SELECT id FROM orders WHERE created_at >= $2 AND created_at < $3) SELECT r.id FROM recent r WHERE $1 IS NOT NULL",
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name:     "store filter only in a comment",
			query:    "SELECT id FROM orders /* WHERE store_id = $1 */ WHERE created_at >= $2 AND created_at < $3 AND $1 IS NOT NULL",
			params:   baseParams(),
			wantRule: "store_filter",
		},
		{
			name:     "set operation through TABLE",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3 UNION ALL TABLE orders",
			params:   baseParams(),
			wantRule: "forbidden_keyword",
		},
		{
			name:     "unterminated block comment",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3 /* trailing",
			params:   baseParams(),
			wantRule: "balanced",
		},
		{
			name:     "undeclared placeholder",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND created_at >= $2 AND created_at < $3 LIMIT $4",
			params:   baseParams(),
			wantRule: "placeholders",
		},
		{
			name:     "declared parameter unused",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND created_at >= $2",
			params:   baseParams(),
			wantRule: "placeholders",
		},
		{
			name:     "inline product name",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE '%blue mug%' AND $2 < $3 AND title ILIKE $5 LIMIT $4",
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "dollar-quoted product name",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> $$Blue Mug$$ AND $2 < $3 LIMIT $4",
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "tagged dollar-quoted product name",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> $q$blue mug$q$ AND $2 < $3 LIMIT $4",
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "unterminated dollar quote",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> $q$blue AND $2 < $3 LIMIT $4",
			params:   limitParams,
			wantRule: "balanced",
		},
		{
			name:     "escape string product name",
			query:    `SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> E'Blue\x20Mug' AND $2 < $3 LIMIT $4`,
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "unicode escape product name",
			query:    `SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> U&'Blue\0020Mug' AND $2 < $3 LIMIT $4`,
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "concatenated product name",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND title <> 'Blue ' || 'Mug' AND $2 < $3 LIMIT $4",
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:     "inline store id",
			query:    "SELECT id FROM orders WHERE store_id = $1 AND shop = 'acme-goods.myshopify.com' AND created_at >= $2 AND created_at < $3",
			params:   baseParams(),
			wantRule: "inline_value",
		},
		{
			name:     "inline limit",
			query:    "SELECT title FROM products WHERE store_id = $1 AND title ILIKE $5 AND $2 < $3 AND $4 > 0 LIMIT 10",
			params:   limitParams,
			wantRule: "inline_value",
		},
		{
			name:   "keywords inside literals and columns are fine",
			query:  "SELECT id, updated_at FROM inventory_levels WHERE store_id = $1 AND note <> 'drop table' AND updated_at >= $2 AND updated_at < $3",
			params: baseParams(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(Normalize(tt.query), tt.params)
			if tt.wantRule == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			vErr, ok := err.(*ValidationError)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, vErr.Rule, vErr.Reason)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SELECT 1 FROM t", Normalize("```sql\nSELECT 1 FROM t;\n```"))
	assert.Equal(t, "SELECT 1 FROM t", Normalize("  SELECT 1 FROM t ;  "))
}

// ==========================
// Generation
// ==========================

func TestGenerate_FirstAttemptValid(t *testing.T) {
	svc := llmtest.New().On(Stage, queryReply(validSalesQuery))

	q, err := newTestGenerator(t, svc, 2).Generate(context.Background(), salesIntent(nil), testStore)

	require.NoError(t, err)
	assert.True(t, q.Valid)
	assert.Equal(t, 1, q.Attempts)
	assert.Equal(t, "sales_by_product_over_window", q.Family)
	assert.Equal(t, validSalesQuery, q.Text)
	assert.Equal(t, []interface{}{testStore.StoreID, testNow.AddDate(0, 0, -30), testNow}, q.Parameters)
	assert.Equal(t, 1, svc.Calls(Stage))
}

func TestGenerate_RegeneratesWithFeedback(t *testing.T) {
	svc := llmtest.New().On(Stage,
		queryReply("SELECT id FROM orders WHERE created_at >= $2 AND created_at < $3 AND $1 IS NOT NULL"),
		queryReply("```sql\n"+validSalesQuery+";\n```"),
	)

	q, err := newTestGenerator(t, svc, 2).Generate(context.Background(), salesIntent(nil), testStore)

	require.NoError(t, err)
	assert.True(t, q.Valid)
	assert.Equal(t, 2, q.Attempts)

	reqs := svc.Requests()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].Prompt, "rejected")
	assert.Contains(t, reqs[1].Prompt, "store_id = $1")
	assert.Contains(t, reqs[1].Prompt, "rejected")
}

func TestGenerate_CallCountBoundedByRetryBound(t *testing.T) {
	for _, bound := range []int{0, 1, 2, 4} {
		t.Run(fmt.Sprintf("bound_%d", bound), func(t *testing.T) {
			svc := llmtest.New().Always(Stage, queryReply("DROP TABLE orders"))

			q, err := newTestGenerator(t, svc, bound).Generate(context.Background(), salesIntent(nil), testStore)

			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeQueryGenerationFailed))
			assert.True(t, errors.IsRetryable(err))
			assert.False(t, q.Valid)
			assert.Equal(t, 1+bound, q.Attempts)
			assert.Equal(t, 1+bound, svc.Calls(Stage))
		})
	}
}

type generateResult struct {
	query models.GeneratedQuery
	err   error
}

// generateAsync runs Generate in the background so the test can drive the
// fake clock through the backoff waits.
func generateAsync(ctx context.Context, g *Generator) <-chan generateResult {
	done := make(chan generateResult, 1)
	go func() {
		q, err := g.Generate(ctx, salesIntent(nil), testStore)
		done <- generateResult{query: q, err: err}
	}()
	return done
}

func advanceBackoffs(t *testing.T, clock *clockwork.FakeClock, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
	}
}

func TestGenerate_TransportFailureConsumesAttempt(t *testing.T) {
	svc := llmtest.New().On(Stage,
		llmtest.Unavailable(),
		llmtest.Text("not json at all"),
		queryReply(validSalesQuery),
	)
	g := newTestGenerator(t, svc, 2)

	done := generateAsync(context.Background(), g)
	advanceBackoffs(t, g.clock.(*clockwork.FakeClock), 1)
	res := <-done

	require.NoError(t, res.err)
	assert.Equal(t, 3, res.query.Attempts)
	assert.Equal(t, 3, svc.Calls(Stage))
}

func TestGenerate_TransportFailureBacksOff(t *testing.T) {
	svc := llmtest.New().On(Stage, llmtest.Unavailable(), llmtest.Unavailable(), llmtest.Unavailable())
	g := newTestGenerator(t, svc, 2)
	var delays []time.Duration
	g.onBackoff = func(d time.Duration) { delays = append(delays, d) }

	done := generateAsync(context.Background(), g)
	advanceBackoffs(t, g.clock.(*clockwork.FakeClock), 2)
	res := <-done

	require.Error(t, res.err)
	// The caller sees the model outage, not a query it could not build.
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeModelUnavailable))
	assert.False(t, errors.HasCode(res.err, errors.ErrCodeQueryGenerationFailed))
	assert.True(t, errors.IsRetryable(res.err))
	assert.False(t, res.query.Valid)
	assert.Equal(t, 3, res.query.Attempts)
	assert.Equal(t, 3, svc.Calls(Stage))

	require.Len(t, delays, 2)
	for _, d := range delays {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, g.config.BackoffMax)
	}
}

func TestGenerate_CancelledDuringBackoff(t *testing.T) {
	svc := llmtest.New().Always(Stage, llmtest.Unavailable())
	g := newTestGenerator(t, svc, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := generateAsync(ctx, g)
	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, g.clock.(*clockwork.FakeClock).BlockUntilContext(waitCtx, 1))
	cancel()
	res := <-done

	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeCancelled))
	assert.Equal(t, 1, svc.Calls(Stage))
}

func TestGenerate_NoEntityValueInline(t *testing.T) {
	intent := salesIntent(map[models.EntityKind]string{models.EntityProductName: "Blue Mug"})
	inline := strings.Replace(validSalesQuery, "GROUP BY", "AND p.title ILIKE '%Blue Mug%' AND p.title ILIKE $4 GROUP BY", 1)
	param := strings.Replace(validSalesQuery, "GROUP BY", "AND p.title ILIKE $4 GROUP BY", 1)
	svc := llmtest.New().On(Stage, queryReply(inline), queryReply(param))

	q, err := newTestGenerator(t, svc, 2).Generate(context.Background(), intent, testStore)

	require.NoError(t, err)
	assert.Equal(t, 2, q.Attempts)
	assert.NotContains(t, q.Text, "Blue Mug")
	assert.Equal(t, "%Blue Mug%", q.Parameters[3])
}

func TestGenerate_UnknownCategory(t *testing.T) {
	svc := llmtest.New()
	intent := salesIntent(nil)
	intent.Category = models.CategoryUnknown

	_, err := newTestGenerator(t, svc, 2).Generate(context.Background(), intent, testStore)

	require.Error(t, err)
	assert.Equal(t, 0, svc.TotalCalls())
}

func TestGenerate_Cancelled(t *testing.T) {
	svc := llmtest.New().Always(Stage, queryReply(validSalesQuery))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestGenerator(t, svc, 2).Generate(ctx, salesIntent(nil), testStore)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCancelled))
	assert.Equal(t, 0, svc.Calls(Stage))
}

func TestFamilies(t *testing.T) {
	for _, c := range models.KnownCategories {
		f, ok := FamilyFor(c)
		require.True(t, ok, c)
		for _, def := range f.TableDefinitions() {
			assert.NotEmpty(t, def)
		}
	}
	assert.Len(t, Names(), len(models.KnownCategories))
}
