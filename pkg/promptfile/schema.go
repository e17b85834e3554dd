// pkg/promptfile/schema.go
package promptfile

// Document is the on-disk prompt template file.
type Document struct {
	Version     string     `json:"version" yaml:"version"`
	LastUpdated string     `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty"`
	Templates   []Template `json:"templates" yaml:"templates"`
}

// Template is one (stage, category) prompt. Category "default" applies to any
// category without its own entry.
type Template struct {
	Stage       string   `json:"stage" yaml:"stage"`
	Category    string   `json:"category" yaml:"category"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	System      string   `json:"system" yaml:"system"`
	User        string   `json:"user" yaml:"user"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int64    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

const DefaultCategory = "default"

var Stages = []string{"classifier", "querygen", "insight"}

var Categories = []string{
	DefaultCategory,
	"sales_trends",
	"inventory_forecast",
	"stockout_risk",
	"customer_behavior",
	"product_metrics",
	"unknown",
}
