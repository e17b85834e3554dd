package querygen

import (
	"sort"

	"store-insights/internal/models"
)

// Family is a kind of query the model may write for a category. The model
// fills in the SQL; the family fixes which tables it may read.
type Family struct {
	Name        string
	Description string
	Tables      []string
}

// Catalogue is the warehouse schema shown to the model. Every table is
// partitioned by store_id.
var Catalogue = map[string]string{
	"orders":           "orders(id, store_id, customer_id, created_at, total_price, financial_status, cancelled_at)",
	"order_line_items": "order_line_items(id, store_id, order_id, product_id, variant_id, quantity, price)",
	"products":         "products(id, store_id, title, product_type, vendor, status)",
	"inventory_levels": "inventory_levels(store_id, product_id, variant_id, location_id, available, updated_at)",
	"customers":        "customers(id, store_id, created_at, orders_count, total_spent, tags)",
}

var Registry = map[models.Category]Family{
	models.CategorySalesTrends: {
		Name:        "sales_by_product_over_window",
		Description: "units sold and revenue per product per day inside the window",
		Tables:      []string{"orders", "order_line_items", "products"},
	},
	models.CategoryProductMetrics: {
		Name:        "product_performance",
		Description: "units sold, revenue, order count and average price per product inside the window",
		Tables:      []string{"order_line_items", "orders", "products"},
	},
	models.CategoryInventoryForecast: {
		Name:        "inventory_velocity",
		Description: "current available stock and units sold per product inside the window",
		Tables:      []string{"inventory_levels", "order_line_items", "orders"},
	},
	models.CategoryStockoutRisk: {
		Name:        "stockout_projection",
		Description: "current available stock, units sold inside the window and days of stock remaining per product",
		Tables:      []string{"inventory_levels", "order_line_items", "orders"},
	},
	models.CategoryCustomerBehavior: {
		Name:        "customer_order_frequency",
		Description: "orders placed and amount spent per customer inside the window",
		Tables:      []string{"customers", "orders"},
	},
}

func FamilyFor(category models.Category) (Family, bool) {
	f, ok := Registry[category]
	return f, ok
}

// TableDefinitions returns the catalogue lines for the family's tables.
func (f Family) TableDefinitions() []string {
	defs := make([]string, 0, len(f.Tables))
	for _, t := range f.Tables {
		defs = append(defs, Catalogue[t])
	}
	return defs
}

// Names lists every family name, sorted.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for _, f := range Registry {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
