package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"store-insights/internal/common/errors"
	"store-insights/internal/common/logger"
	"store-insights/internal/llm"
	"store-insights/internal/models"
	"store-insights/internal/prompts"
)

// ==========================
// Mock LLM Service
// ==========================

type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) Name() string { return "mock" }

func (m *MockLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func newTestClassifier(t *testing.T, svc llm.Service) *Classifier {
	return New(svc, prompts.NewStore(nil, logger.NewNoOpLogger()), logger.NewTestLogger(t))
}

// ==========================
// Classification
// ==========================

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		reply          string
		wantCategory   models.Category
		wantConfidence models.Confidence
		wantAmbiguous  bool
		wantEntities   map[models.EntityKind]string
	}{
		{
			name:           "clear sales question",
			reply:          `{"category":"sales_trends","confidence":0.92,"entities":{"time_period":"last week","metric":"Total","limit":5}}`,
			wantCategory:   models.CategorySalesTrends,
			wantConfidence: models.ConfidenceHigh,
			wantEntities: map[models.EntityKind]string{
				models.EntityTimePeriod: "last_week",
				models.EntityMetric:     "total",
				models.EntityLimit:      "5",
			},
		},
		{
			name:           "medium at the ambiguity threshold",
			reply:          `{"category":"stockout_risk","confidence":0.7,"entities":{}}`,
			wantCategory:   models.CategoryStockoutRisk,
			wantConfidence: models.ConfidenceMedium,
			wantEntities:   map[models.EntityKind]string{},
		},
		{
			name:           "low confidence but entity recovered",
			reply:          `{"category":"product_metrics","confidence":0.4,"entities":{"product_name":"  Blue Mug  "}}`,
			wantCategory:   models.CategoryProductMetrics,
			wantConfidence: models.ConfidenceLow,
			wantEntities:   map[models.EntityKind]string{models.EntityProductName: "Blue Mug"},
		},
		{
			name:           "low confidence and nothing recovered",
			reply:          `{"category":"sales_trends","confidence":0.3}`,
			wantCategory:   models.CategorySalesTrends,
			wantConfidence: models.ConfidenceLow,
			wantAmbiguous:  true,
			wantEntities:   map[models.EntityKind]string{},
		},
		{
			name:           "category outside the closed set",
			reply:          `{"category":"weather","confidence":0.99,"entities":{"time_period":"today"}}`,
			wantCategory:   models.CategoryUnknown,
			wantConfidence: models.ConfidenceLow,
			wantAmbiguous:  true,
			wantEntities:   map[models.EntityKind]string{models.EntityTimePeriod: "today"},
		},
		{
			name:           "contradictory entities dropped",
			reply:          `{"category":"customer_behavior","confidence":0.88,"entities":{"limit":-3,"metric":"vibes","time_period":"the olden days","color":"red"}}`,
			wantCategory:   models.CategoryCustomerBehavior,
			wantConfidence: models.ConfidenceHigh,
			wantEntities:   map[models.EntityKind]string{},
		},
		{
			name:           "malformed output recovered locally",
			reply:          `I believe this question is about sales.`,
			wantCategory:   models.CategoryUnknown,
			wantConfidence: models.ConfidenceLow,
			wantAmbiguous:  true,
			wantEntities:   map[models.EntityKind]string{},
		},
		{
			name:           "schema violation recovered locally",
			reply:          `{"category":"sales_trends","confidence":"very"}`,
			wantCategory:   models.CategoryUnknown,
			wantConfidence: models.ConfidenceLow,
			wantAmbiguous:  true,
			wantEntities:   map[models.EntityKind]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLLM)
			svc.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
				return req.Stage == Stage && req.JSON
			})).Return(tt.reply, nil).Once()

			intent, err := newTestClassifier(t, svc).Classify(context.Background(), "  How did sales go?  ")

			require.NoError(t, err)
			assert.Equal(t, "How did sales go?", intent.Question)
			assert.Equal(t, tt.wantCategory, intent.Category)
			assert.Equal(t, tt.wantConfidence, intent.Confidence)
			assert.Equal(t, tt.wantAmbiguous, intent.Ambiguous)
			assert.Equal(t, tt.wantEntities, intent.Entities)
			svc.AssertNumberOfCalls(t, "Complete", 1)
		})
	}
}

func TestClassify_EmptyQuestion(t *testing.T) {
	svc := new(MockLLM)

	_, err := newTestClassifier(t, svc).Classify(context.Background(), "   \n\t")

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
	svc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestClassify_TransportFailureIsReturned(t *testing.T) {
	svc := new(MockLLM)
	svc.On("Complete", mock.Anything, mock.Anything).
		Return("", errors.NewLLMTimeoutError("mock")).Once()

	_, err := newTestClassifier(t, svc).Classify(context.Background(), "What sold best?")

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLLMTimeout))
	assert.True(t, errors.IsRetryable(err))
}

func TestClassify_PromptIncludesQuestion(t *testing.T) {
	svc := new(MockLLM)
	svc.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return assert.Contains(t, req.Prompt, "Which products will run out?") &&
			assert.Contains(t, req.System, "stockout_risk")
	})).Return(`{"category":"stockout_risk","confidence":0.9}`, nil)

	intent, err := newTestClassifier(t, svc).Classify(context.Background(), "Which products will run out?")

	require.NoError(t, err)
	assert.Equal(t, models.CategoryStockoutRisk, intent.Category)
}

// ==========================
// Helpers
// ==========================

func TestMapConfidence(t *testing.T) {
	assert.Equal(t, models.ConfidenceHigh, MapConfidence(1))
	assert.Equal(t, models.ConfidenceHigh, MapConfidence(0.85))
	assert.Equal(t, models.ConfidenceMedium, MapConfidence(0.84))
	assert.Equal(t, models.ConfidenceMedium, MapConfidence(0.7))
	assert.Equal(t, models.ConfidenceLow, MapConfidence(0.69))
	assert.Equal(t, models.ConfidenceLow, MapConfidence(0))
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in     interface{}
		want   string
		wantOK bool
	}{
		{float64(10), "10", true},
		{"25", "25", true},
		{float64(500), "100", true},
		{float64(2.5), "", false},
		{float64(0), "", false},
		{"ten", "", false},
		{true, "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeLimit(tt.in)
		assert.Equal(t, tt.wantOK, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}
