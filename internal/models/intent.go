package models

import "strings"

// Category is the closed set of question types the pipeline can answer.
type Category string

const (
	CategorySalesTrends       Category = "sales_trends"
	CategoryInventoryForecast Category = "inventory_forecast"
	CategoryStockoutRisk      Category = "stockout_risk"
	CategoryCustomerBehavior  Category = "customer_behavior"
	CategoryProductMetrics    Category = "product_metrics"
	CategoryUnknown           Category = "unknown"
)

// KnownCategories lists every category except unknown, in a stable order.
var KnownCategories = []Category{
	CategorySalesTrends,
	CategoryInventoryForecast,
	CategoryStockoutRisk,
	CategoryCustomerBehavior,
	CategoryProductMetrics,
}

func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownCategories {
		if c == known {
			return c, true
		}
	}
	return CategoryUnknown, c == CategoryUnknown
}

type EntityKind string

const (
	EntityTimePeriod      EntityKind = "time_period"
	EntityProductName     EntityKind = "product_name"
	EntityCustomerSegment EntityKind = "customer_segment"
	EntityLimit           EntityKind = "limit"
	EntityMetric          EntityKind = "metric"
)

var EntityKinds = []EntityKind{
	EntityTimePeriod,
	EntityProductName,
	EntityCustomerSegment,
	EntityLimit,
	EntityMetric,
}

// Confidence is an ordered three-level rating: low < medium < high.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

func (c Confidence) AtLeast(other Confidence) bool {
	return c.Rank() >= other.Rank()
}

// Intent is the structured reading of one question. It is built once by the
// classifier and passed by value afterwards; Entities must not be mutated.
type Intent struct {
	Question   string                `json:"question"`
	Category   Category              `json:"category"`
	Entities   map[EntityKind]string `json:"entities,omitempty"`
	Confidence Confidence            `json:"confidence"`
	Ambiguous  bool                  `json:"ambiguous"`
}

func (i Intent) Entity(kind EntityKind) (string, bool) {
	v, ok := i.Entities[kind]
	return v, ok && v != ""
}

// MissingDimensions names the clarification prompts for an ambiguous intent.
func (i Intent) MissingDimensions() []string {
	var missing []string
	if _, ok := i.Entity(EntityMetric); !ok {
		missing = append(missing, "metric")
	}
	if _, ok := i.Entity(EntityTimePeriod); !ok {
		missing = append(missing, "time period")
	}
	_, hasProduct := i.Entity(EntityProductName)
	_, hasSegment := i.Entity(EntityCustomerSegment)
	if i.Category == CategoryUnknown || (!hasProduct && !hasSegment) {
		missing = append(missing, "scope")
	}
	return missing
}
