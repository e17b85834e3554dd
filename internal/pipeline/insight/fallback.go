package insight

import (
	"fmt"
	"math"
	"strings"

	"store-insights/internal/models"
)

const maxReorderRecommendations = 3

// Fallback phrases the aggregates without a model.
func Fallback(intent models.Intent, agg Aggregates) ([]string, []string) {
	statements := []string{fmt.Sprintf("I looked at %d records from the last %d days.", agg.RowCount, agg.WindowDays)}
	recommendations := []string{}

	switch intent.Category {
	case models.CategoryInventoryForecast, models.CategoryStockoutRisk:
		if agg.Velocity > 0 {
			statements = append(statements, fmt.Sprintf("You are selling about %s units per day.", formatNumber(agg.Velocity)))
		}
		if len(agg.Reorders) == 0 {
			statements = append(statements, fmt.Sprintf("No products look likely to run out in the next %d days.", agg.HorizonDays))
			break
		}
		statements = append(statements, fmt.Sprintf("%d %s may run out within the next %d days.",
			len(agg.Reorders), plural(len(agg.Reorders), "product", "products"), agg.HorizonDays))
		for i, r := range agg.Reorders {
			if i == maxReorderRecommendations {
				break
			}
			recommendations = append(recommendations, fmt.Sprintf("Reorder about %d units of %s; current stock covers roughly %s days.",
				r.Quantity, r.Label, formatNumber(math.Floor(r.DaysOfCover))))
		}

	case models.CategoryCustomerBehavior:
		if f := agg.Frequency; f != nil && f.Total() > 0 {
			statements = append(statements, fmt.Sprintf("%d customers ordered once, %d ordered 2 to 5 times and %d ordered more than 5 times.",
				f.OneTime, f.Repeat, f.Frequent))
			if float64(f.Repeat+f.Frequent)/float64(f.Total()) < 0.3 {
				recommendations = append(recommendations, "Consider a loyalty offer to turn one-time buyers into repeat customers.")
			}
		}
		if len(agg.TopItems) > 0 {
			statements = append(statements, fmt.Sprintf("Your most valuable customer was %s with %s.", agg.TopItems[0].Label, formatNumber(agg.TopItems[0].Value)))
		}

	default:
		if len(agg.TopItems) > 0 {
			top := agg.TopItems[0]
			statements = append(statements, fmt.Sprintf("Your top item was %s with %s in %s.", top.Label, formatNumber(top.Value), humanColumn(agg.ValueColumn)))
			recommendations = append(recommendations, fmt.Sprintf("Keep %s well stocked and consider featuring it.", top.Label))
		}
		if total, ok := agg.Totals[agg.ValueColumn]; ok && agg.ValueColumn != "" {
			statements = append(statements, fmt.Sprintf("Total %s for the period was %s.", humanColumn(agg.ValueColumn), formatNumber(total)))
		}
	}

	if t := agg.Trend; t != nil {
		switch t.Direction {
		case "up":
			statements = append(statements, "Daily figures are trending up over the period.")
		case "down":
			statements = append(statements, "Daily figures are trending down over the period.")
			if intent.Category == models.CategorySalesTrends || intent.Category == models.CategoryProductMetrics {
				recommendations = append(recommendations, "Sales are slowing; consider a promotion to lift demand.")
			}
		default:
			statements = append(statements, "Daily figures held steady over the period.")
		}
	}
	return statements, recommendations
}

func humanColumn(col string) string {
	return strings.ReplaceAll(col, "_", " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
