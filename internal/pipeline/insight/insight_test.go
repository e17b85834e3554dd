package insight

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/llm/llmtest"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

func newTestGenerator(t *testing.T, svc *llmtest.Service) *Generator {
	return New(Config{}, svc, prompts.NewStore(nil, logger.NewNoOpLogger()), clockwork.NewFakeClock(), logger.NewTestLogger(t))
}

func productRows(n int) models.ResultSet {
	rows := make([]map[string]interface{}, n)
	for i := 0; i < n; i++ {
		rows[i] = map[string]interface{}{
			"title":      fmt.Sprintf("Product %02d", i),
			"units_sold": fmt.Sprintf("%d", i+1),
			"revenue":    fmt.Sprintf("%d.50", (i+1)*10),
		}
	}
	return models.NewResultSet([]string{"title", "units_sold", "revenue"}, rows)
}

func salesIntent(conf models.Confidence) models.Intent {
	return models.Intent{
		Question:   "What were my best sellers last week?",
		Category:   models.CategorySalesTrends,
		Entities:   map[models.EntityKind]string{models.EntityTimePeriod: "last_7_days"},
		Confidence: conf,
	}
}

// ==========================
// Analyze
// ==========================

func TestAnalyze_ZeroRowsSkipsModel(t *testing.T) {
	svc := llmtest.New()
	g := newTestGenerator(t, svc)

	insight, err := g.Analyze(context.Background(), salesIntent(models.ConfidenceHigh), models.NewResultSet([]string{"title"}, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{NoDataStatement}, insight.Statements)
	assert.Empty(t, insight.Recommendations)
	assert.Equal(t, models.ConfidenceLow, insight.Confidence)
	assert.Equal(t, 0, svc.TotalCalls())
}

func TestAnalyze_ModelPhrasing(t *testing.T) {
	svc := llmtest.New().On(Stage, llmtest.Text(`{"statements":["Product 24 led sales."],"recommendations":["Restock Product 24."]}`))
	g := newTestGenerator(t, svc)

	insight, err := g.Analyze(context.Background(), salesIntent(models.ConfidenceHigh), productRows(25))
	require.NoError(t, err)

	assert.Equal(t, []string{"Product 24 led sales."}, insight.Statements)
	assert.Equal(t, []string{"Restock Product 24."}, insight.Recommendations)
	assert.Equal(t, models.ConfidenceHigh, insight.Confidence)
	assert.Equal(t, float64(25), insight.Aggregates["row_count"])
	assert.Equal(t, 1, svc.Calls(Stage))

	req := svc.Requests()[0]
	assert.Contains(t, req.Prompt, "Sample rows (10 of 25)")
	assert.Contains(t, req.Prompt, "... and 15 more records")
	assert.Contains(t, req.Prompt, "top items by revenue: Product 24")
	assert.Contains(t, req.Prompt, "sales velocity:")
}

func TestAnalyze_FallsBackOnModelTrouble(t *testing.T) {
	tests := []struct {
		name  string
		reply llmtest.Reply
	}{
		{"not json", llmtest.Text("Sales look good!")},
		{"wrong shape", llmtest.Text(`{"statements":"one"}`)},
		{"empty statements", llmtest.Text(`{"statements":["  "]}`)},
		{"unavailable", llmtest.Unavailable()},
		{"timeout", llmtest.Fail(errors.NewLLMTimeoutError("scripted"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := llmtest.New().On(Stage, tt.reply)
			g := newTestGenerator(t, svc)

			insight, err := g.Analyze(context.Background(), salesIntent(models.ConfidenceMedium), productRows(12))
			require.NoError(t, err)

			require.NotEmpty(t, insight.Statements)
			assert.Equal(t, "I looked at 12 records from the last 7 days.", insight.Statements[0])
			assert.Contains(t, strings.Join(insight.Statements, " "), "Product 11")
			assert.Equal(t, models.ConfidenceMedium, insight.Confidence)
		})
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	svc := llmtest.New()
	g := newTestGenerator(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Analyze(ctx, salesIntent(models.ConfidenceHigh), productRows(3))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCancelled))
	assert.Equal(t, 0, svc.TotalCalls())
}

// ==========================
// Confidence
// ==========================

func TestRateConfidence(t *testing.T) {
	tests := []struct {
		rows      int
		variation float64
		intent    models.Confidence
		want      models.Confidence
	}{
		{0, 0, models.ConfidenceHigh, models.ConfidenceLow},
		{4, 0, models.ConfidenceHigh, models.ConfidenceLow},
		{5, 0, models.ConfidenceHigh, models.ConfidenceMedium},
		{19, 0, models.ConfidenceHigh, models.ConfidenceMedium},
		{20, 0, models.ConfidenceHigh, models.ConfidenceHigh},
		{20, 0, models.ConfidenceMedium, models.ConfidenceHigh},
		{500, 0, models.ConfidenceLow, models.ConfidenceMedium},
		{20, 2, models.ConfidenceHigh, models.ConfidenceHigh},
		{500, 3.5, models.ConfidenceHigh, models.ConfidenceMedium},
		{5, 3.5, models.ConfidenceHigh, models.ConfidenceMedium},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%.1f_%s", tt.rows, tt.variation, tt.intent), func(t *testing.T) {
			assert.Equal(t, tt.want, RateConfidence(tt.rows, tt.variation, tt.intent, Config{}))
		})
	}
}

func TestRateConfidence_SkewedValues(t *testing.T) {
	// One order carries almost all the revenue.
	rows := make([]map[string]interface{}, 25)
	for i := range rows {
		rows[i] = map[string]interface{}{"title": fmt.Sprintf("Product %02d", i), "revenue": "1.00"}
	}
	rows[0]["revenue"] = "5000.00"
	results := models.NewResultSet([]string{"title", "revenue"}, rows)

	agg := Compute(salesIntent(models.ConfidenceHigh), results, 30, 30)
	assert.Greater(t, agg.Variation, 2.0)
	assert.InDelta(t, agg.Variation, agg.Flatten()["value_variation"], 0.01)

	assert.Equal(t, models.ConfidenceMedium, RateConfidence(results.RowCount, agg.Variation, models.ConfidenceHigh, Config{}))
	steady := Compute(salesIntent(models.ConfidenceHigh), productRows(25), 30, 30)
	assert.Equal(t, models.ConfidenceHigh, RateConfidence(25, steady.Variation, models.ConfidenceHigh, Config{}))
}

// ==========================
// Aggregates
// ==========================

func TestCompute_TotalsAndTopItems(t *testing.T) {
	agg := Compute(salesIntent(models.ConfidenceHigh), productRows(6), 7, 30)

	assert.Equal(t, 6, agg.RowCount)
	assert.Equal(t, float64(21), agg.Totals["units_sold"])
	assert.InDelta(t, 213.0, agg.Totals["revenue"], 0.001)
	assert.InDelta(t, 3.0, agg.Velocity, 0.001)
	assert.Equal(t, "revenue", agg.ValueColumn)

	require.Len(t, agg.TopItems, 5)
	assert.Equal(t, "Product 05", agg.TopItems[0].Label)
	assert.Equal(t, "Product 01", agg.TopItems[4].Label)
}

func TestCompute_TopItemsHonourLimit(t *testing.T) {
	intent := salesIntent(models.ConfidenceHigh)
	intent.Entities = map[models.EntityKind]string{models.EntityLimit: "2"}

	agg := Compute(intent, productRows(6), 30, 30)
	assert.Len(t, agg.TopItems, 2)
}

func TestCompute_Trend(t *testing.T) {
	tests := []struct {
		name    string
		revenue []string
		want    string
	}{
		{"up", []string{"10", "20", "30", "40", "50"}, "up"},
		{"down", []string{"50", "40", "30", "20", "10"}, "down"},
		{"flat", []string{"30", "30", "30", "30", "30"}, "flat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := make([]map[string]interface{}, len(tt.revenue))
			for i, r := range tt.revenue {
				rows[i] = map[string]interface{}{"day": fmt.Sprintf("2024-01-0%d", i+1), "revenue": r}
			}
			agg := Compute(salesIntent(models.ConfidenceHigh), models.NewResultSet([]string{"day", "revenue"}, rows), 30, 30)

			require.NotNil(t, agg.Trend)
			assert.Equal(t, tt.want, agg.Trend.Direction)
			assert.Equal(t, 5, agg.Trend.Buckets)
		})
	}
}

func TestCompute_TrendNeedsThreeDays(t *testing.T) {
	rows := []map[string]interface{}{
		{"day": "2024-01-01", "revenue": "10"},
		{"day": "2024-01-02", "revenue": "20"},
	}
	agg := Compute(salesIntent(models.ConfidenceHigh), models.NewResultSet([]string{"day", "revenue"}, rows), 30, 30)
	assert.Nil(t, agg.Trend)
}

func TestCompute_OrderFrequency(t *testing.T) {
	rows := []map[string]interface{}{
		{"customer_id": "1", "orders_count": "1", "total_spent": "20.00"},
		{"customer_id": "2", "orders_count": "1", "total_spent": "35.00"},
		{"customer_id": "3", "orders_count": "3", "total_spent": "90.00"},
		{"customer_id": "4", "orders_count": "7", "total_spent": "400.00"},
	}
	intent := models.Intent{Category: models.CategoryCustomerBehavior, Confidence: models.ConfidenceHigh}

	agg := Compute(intent, models.NewResultSet([]string{"customer_id", "orders_count", "total_spent"}, rows), 30, 30)

	require.NotNil(t, agg.Frequency)
	assert.Equal(t, Frequency{OneTime: 2, Repeat: 1, Frequent: 1}, *agg.Frequency)
	assert.NotContains(t, agg.Totals, "customer_id")
	require.NotEmpty(t, agg.TopItems)
	assert.Equal(t, "4", agg.TopItems[0].Label)

	statements, recs := Fallback(intent, agg)
	assert.Contains(t, statements, "2 customers ordered once, 1 ordered 2 to 5 times and 1 ordered more than 5 times.")
	assert.Empty(t, recs)
}

func TestCompute_Reorders(t *testing.T) {
	rows := []map[string]interface{}{
		{"title": "Mug", "available": "10", "units_sold": "60"},
		{"title": "Cap", "available": "500", "units_sold": "30"},
		{"title": "Tee", "available": "0", "units_sold": "0"},
	}
	intent := models.Intent{
		Category:   models.CategoryInventoryForecast,
		Entities:   map[models.EntityKind]string{models.EntityTimePeriod: "next_30_days"},
		Confidence: models.ConfidenceHigh,
	}

	agg := Compute(intent, models.NewResultSet([]string{"title", "available", "units_sold"}, rows), 30, 30)

	assert.InDelta(t, 3.0, agg.Velocity, 0.001)
	require.Len(t, agg.Reorders, 1)
	r := agg.Reorders[0]
	assert.Equal(t, "Mug", r.Label)
	assert.InDelta(t, 5.0, r.DaysOfCover, 0.001)
	assert.Equal(t, 50, r.Quantity)
	assert.Equal(t, float64(1), agg.Flatten()["at_risk_items"])

	statements, recs := Fallback(intent, agg)
	assert.Contains(t, statements, "1 product may run out within the next 30 days.")
	assert.Equal(t, []string{"Reorder about 50 units of Mug; current stock covers roughly 5 days."}, recs)
}

func TestAnalyze_ForwardPeriodSetsHorizon(t *testing.T) {
	svc := llmtest.New().On(Stage, llmtest.Fail(errors.NewLLMTimeoutError("scripted")))
	g := newTestGenerator(t, svc)

	rows := []map[string]interface{}{{"title": "Mug", "available": "10", "units_sold": "14"}}
	intent := models.Intent{
		Category:   models.CategoryStockoutRisk,
		Entities:   map[models.EntityKind]string{models.EntityTimePeriod: "next_7_days"},
		Confidence: models.ConfidenceHigh,
	}

	insight, err := g.Analyze(context.Background(), intent, models.NewResultSet([]string{"title", "available", "units_sold"}, rows))
	require.NoError(t, err)

	// 14 units over 7 days leaves 5 days of cover against a 7 day horizon.
	assert.Equal(t, float64(7), insight.Aggregates["window_days"])
	assert.Equal(t, float64(5), insight.Aggregates["min_days_of_cover"])
	assert.Equal(t, []string{"Reorder about 4 units of Mug; current stock covers roughly 5 days."}, insight.Recommendations)
}

func TestSample(t *testing.T) {
	sample, n := Sample(productRows(3), 10)
	assert.Equal(t, 3, n)
	assert.Len(t, strings.Split(sample, "\n"), 3)
	assert.NotContains(t, sample, "more records")
}
