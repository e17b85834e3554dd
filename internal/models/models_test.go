package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in     string
		want   Category
		wantOK bool
	}{
		{"sales_trends", CategorySalesTrends, true},
		{" Stockout_Risk ", CategoryStockoutRisk, true},
		{"unknown", CategoryUnknown, true},
		{"weather", CategoryUnknown, false},
		{"", CategoryUnknown, false},
	}
	for _, tt := range tests {
		got, ok := ParseCategory(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}
}

func TestConfidenceOrdering(t *testing.T) {
	assert.True(t, ConfidenceHigh.AtLeast(ConfidenceMedium))
	assert.True(t, ConfidenceMedium.AtLeast(ConfidenceMedium))
	assert.False(t, ConfidenceLow.AtLeast(ConfidenceMedium))
	assert.Equal(t, 0, Confidence("bogus").Rank())
}

func TestIntent_MissingDimensions(t *testing.T) {
	intent := Intent{Category: CategoryUnknown}
	assert.Equal(t, []string{"metric", "time period", "scope"}, intent.MissingDimensions())

	intent = Intent{
		Category: CategorySalesTrends,
		Entities: map[EntityKind]string{
			EntityTimePeriod:  "last_week",
			EntityProductName: "mug",
		},
	}
	assert.Equal(t, []string{"metric"}, intent.MissingDimensions())
}

func TestNewResultSet_RowCountMatchesRows(t *testing.T) {
	rs := NewResultSet([]string{"a"}, nil)
	assert.Equal(t, 0, rs.RowCount)
	assert.NotNil(t, rs.Rows)

	rs = NewResultSet([]string{"a"}, []map[string]interface{}{{"a": 1}, {"a": 2}})
	assert.Equal(t, len(rs.Rows), rs.RowCount)
}

func TestStoreContext_Validate(t *testing.T) {
	assert.NoError(t, StoreContext{StoreID: "acme-goods.myshopify.com"}.Validate())
	assert.Error(t, StoreContext{StoreID: ""}.Validate())
	assert.Error(t, StoreContext{StoreID: "-bad.myshopify.com"}.Validate())
	assert.Error(t, StoreContext{StoreID: "acme.example.com"}.Validate())
}

func TestParseTimePeriod(t *testing.T) {
	tests := []struct {
		in          string
		wantOK      bool
		wantDays    int
		wantForward bool
	}{
		{"last_week", true, 7, false},
		{"Last Month", true, 30, false},
		{"last-quarter", true, 90, false},
		{"last_45_days", true, 45, false},
		{"next_14_days", true, 14, true},
		{"next_30_days", true, 30, true},
		{"last_0_days", false, 0, false},
		{"last_99999_days", false, 0, false},
		{"sometime soon", false, 0, false},
		{"", false, 0, false},
	}
	for _, tt := range tests {
		p, ok := ParseTimePeriod(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		if ok {
			assert.Equal(t, tt.wantDays, p.Days, tt.in)
			assert.Equal(t, tt.wantForward, p.Forward, tt.in)
		}
	}
}

func TestTimePeriodWindow(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 30, 0, 0, time.UTC)

	start, end := DefaultPeriod(30).Window(now)
	assert.Equal(t, now, end)
	assert.Equal(t, now.AddDate(0, 0, -30), start)

	yesterday, _ := ParseTimePeriod("yesterday")
	start, end = yesterday.Window(now)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), end)
}
