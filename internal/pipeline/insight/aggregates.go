package insight

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"store-insights/internal/models"
)

const (
	topItemCount   = 5
	trendFlatBand  = 0.02
	repeatMaxCount = 5
)

// Item is one labelled figure, e.g. a product and its revenue.
type Item struct {
	Label string
	Value float64
}

type Trend struct {
	Slope     float64
	Direction string
	Buckets   int
}

type Frequency struct {
	OneTime  int
	Repeat   int
	Frequent int
}

func (f Frequency) Total() int {
	return f.OneTime + f.Repeat + f.Frequent
}

type Reorder struct {
	Label       string
	Available   float64
	DaysOfCover float64
	Quantity    int
}

// Aggregates are computed locally from the rows before any model call; every
// statement the pipeline produces is phrased around these numbers.
type Aggregates struct {
	RowCount    int
	WindowDays  int
	HorizonDays int
	Totals      map[string]float64
	Means       map[string]float64
	ValueColumn string
	TopItems    []Item
	Velocity    float64
	Trend       *Trend
	Frequency   *Frequency
	Reorders    []Reorder

	// Variation is the coefficient of variation of ValueColumn.
	Variation float64
}

// columnRoles is the result of inspecting column names and values.
type columnRoles struct {
	numeric     []string
	label       string
	date        string
	units       string
	revenue     string
	ordersCount string
	available   string
}

var roleNames = []struct {
	role    string
	needles []string
}{
	{"available", []string{"available", "stock", "on_hand", "inventory"}},
	{"ordersCount", []string{"orders_count", "order_count", "orders", "purchases"}},
	{"units", []string{"units", "quantity", "qty", "sold"}},
	{"revenue", []string{"revenue", "sales", "total_price", "amount", "spent", "gross", "total"}},
}

// Compute derives the aggregates for one result set. windowDays is the length
// of the data window; horizonDays the projection horizon for inventory
// questions.
func Compute(intent models.Intent, results models.ResultSet, windowDays, horizonDays int) Aggregates {
	agg := Aggregates{
		RowCount:    results.RowCount,
		WindowDays:  windowDays,
		HorizonDays: horizonDays,
		Totals:      map[string]float64{},
		Means:       map[string]float64{},
	}
	if results.RowCount == 0 {
		return agg
	}

	roles := detectRoles(results)
	for _, col := range roles.numeric {
		total := 0.0
		for _, row := range results.Rows {
			v, _ := toFloat(row[col])
			total += v
		}
		agg.Totals[col] = total
		agg.Means[col] = total / float64(results.RowCount)
	}

	agg.ValueColumn = roles.revenue
	if agg.ValueColumn == "" {
		agg.ValueColumn = roles.units
	}

	if agg.ValueColumn != "" {
		agg.Variation = variation(results, agg.ValueColumn, agg.Means[agg.ValueColumn])
	}
	if roles.label != "" && agg.ValueColumn != "" {
		agg.TopItems = topItems(results, roles.label, agg.ValueColumn, topLimit(intent))
	}
	if roles.units != "" && windowDays > 0 {
		agg.Velocity = agg.Totals[roles.units] / float64(windowDays)
	}
	if roles.date != "" {
		agg.Trend = trend(results, roles.date, agg.ValueColumn)
	}
	if roles.ordersCount != "" && intent.Category == models.CategoryCustomerBehavior {
		agg.Frequency = frequency(results, roles.ordersCount)
	}
	if roles.available != "" && roles.units != "" && roles.label != "" &&
		(intent.Category == models.CategoryInventoryForecast || intent.Category == models.CategoryStockoutRisk) {
		agg.Reorders = reorders(results, roles, windowDays, horizonDays)
	}
	return agg
}

func topLimit(intent models.Intent) int {
	if raw, ok := intent.Entity(models.EntityLimit); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < topItemCount {
			return n
		}
	}
	return topItemCount
}

func detectRoles(results models.ResultSet) columnRoles {
	var roles columnRoles
	for _, col := range results.Columns {
		numeric, temporal, textual := true, true, false
		seen := false
		for _, row := range results.Rows {
			v := row[col]
			if v == nil {
				continue
			}
			seen = true
			if _, ok := toFloat(v); !ok {
				numeric = false
			}
			if _, ok := toTime(v); !ok {
				temporal = false
			}
			if _, ok := v.(string); ok {
				textual = true
			}
		}
		if !seen {
			continue
		}
		switch {
		case numeric && isIdentifier(col):
			if roles.label == "" {
				roles.label = col
			}
		case temporal && !numeric:
			if roles.date == "" {
				roles.date = col
			}
		case numeric:
			roles.numeric = append(roles.numeric, col)
		case textual && roles.label == "":
			roles.label = col
		}
	}

	taken := map[string]bool{}
	for _, rn := range roleNames {
		for _, col := range roles.numeric {
			if taken[col] || !containsAny(strings.ToLower(col), rn.needles) {
				continue
			}
			taken[col] = true
			switch rn.role {
			case "available":
				roles.available = col
			case "ordersCount":
				roles.ordersCount = col
			case "units":
				roles.units = col
			case "revenue":
				roles.revenue = col
			}
			break
		}
	}
	return roles
}

func topItems(results models.ResultSet, labelCol, valueCol string, limit int) []Item {
	sums := map[string]float64{}
	for _, row := range results.Rows {
		label := fmt.Sprint(row[labelCol])
		v, _ := toFloat(row[valueCol])
		sums[label] += v
	}
	items := make([]Item, 0, len(sums))
	for label, v := range sums {
		items = append(items, Item{Label: label, Value: v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Value != items[j].Value {
			return items[i].Value > items[j].Value
		}
		return items[i].Label < items[j].Label
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// trend fits a least-squares line through per-day sums of valueCol, or
// per-day row counts when there is no value column.
func trend(results models.ResultSet, dateCol, valueCol string) *Trend {
	buckets := map[time.Time]float64{}
	for _, row := range results.Rows {
		ts, ok := toTime(row[dateCol])
		if !ok {
			continue
		}
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		if valueCol == "" {
			buckets[day]++
			continue
		}
		v, _ := toFloat(row[valueCol])
		buckets[day] += v
	}
	if len(buckets) < 3 {
		return nil
	}

	days := make([]time.Time, 0, len(buckets))
	for d := range buckets {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	first := days[0]
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(days))
	for _, d := range days {
		x := d.Sub(first).Hours() / 24
		y := buckets[d]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	mean := sumY / n

	direction := "flat"
	if mean != 0 {
		switch rel := slope / math.Abs(mean); {
		case rel > trendFlatBand:
			direction = "up"
		case rel < -trendFlatBand:
			direction = "down"
		}
	}
	return &Trend{Slope: slope, Direction: direction, Buckets: len(days)}
}

func frequency(results models.ResultSet, col string) *Frequency {
	f := &Frequency{}
	for _, row := range results.Rows {
		n, ok := toFloat(row[col])
		if !ok || n < 1 {
			continue
		}
		switch {
		case n == 1:
			f.OneTime++
		case n <= repeatMaxCount:
			f.Repeat++
		default:
			f.Frequent++
		}
	}
	return f
}

// reorders lists the items whose stock will not cover the horizon at the
// current daily velocity, shortest cover first.
func reorders(results models.ResultSet, roles columnRoles, windowDays, horizonDays int) []Reorder {
	if windowDays <= 0 || horizonDays <= 0 {
		return nil
	}
	type stock struct{ available, units float64 }
	byLabel := map[string]*stock{}
	for _, row := range results.Rows {
		label := fmt.Sprint(row[roles.label])
		s, ok := byLabel[label]
		if !ok {
			s = &stock{}
			byLabel[label] = s
		}
		a, _ := toFloat(row[roles.available])
		u, _ := toFloat(row[roles.units])
		s.available += a
		s.units += u
	}

	var out []Reorder
	for label, s := range byLabel {
		velocity := s.units / float64(windowDays)
		if velocity <= 0 {
			continue
		}
		cover := s.available / velocity
		if cover >= float64(horizonDays) {
			continue
		}
		qty := int(math.Ceil(velocity*float64(horizonDays) - s.available))
		out = append(out, Reorder{Label: label, Available: s.available, DaysOfCover: cover, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysOfCover != out[j].DaysOfCover {
			return out[i].DaysOfCover < out[j].DaysOfCover
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// variation is the population standard deviation over the absolute mean.
// It is zero for fewer than two rows or a zero mean.
func variation(results models.ResultSet, col string, mean float64) float64 {
	if results.RowCount < 2 || mean == 0 {
		return 0
	}
	sum := 0.0
	for _, row := range results.Rows {
		v, _ := toFloat(row[col])
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum/float64(results.RowCount)) / math.Abs(mean)
}

// Flatten is the numeric view stored on the Insight.
func (a Aggregates) Flatten() map[string]float64 {
	out := map[string]float64{
		"row_count":   float64(a.RowCount),
		"window_days": float64(a.WindowDays),
	}
	for col, v := range a.Totals {
		out["total_"+col] = round2(v)
	}
	for col, v := range a.Means {
		out["mean_"+col] = round2(v)
	}
	if a.Velocity > 0 {
		out["velocity_per_day"] = round2(a.Velocity)
	}
	if a.Variation > 0 {
		out["value_variation"] = round2(a.Variation)
	}
	if a.Trend != nil {
		out["trend_slope"] = round2(a.Trend.Slope)
	}
	if a.Frequency != nil {
		out["customers_one_time"] = float64(a.Frequency.OneTime)
		out["customers_repeat"] = float64(a.Frequency.Repeat)
		out["customers_frequent"] = float64(a.Frequency.Frequent)
	}
	if len(a.Reorders) > 0 {
		out["at_risk_items"] = float64(len(a.Reorders))
		out["min_days_of_cover"] = round2(a.Reorders[0].DaysOfCover)
	}
	return out
}

// Lines renders the aggregates as short facts for the prompt.
func (a Aggregates) Lines() []string {
	lines := []string{fmt.Sprintf("records analysed: %d over %d days", a.RowCount, a.WindowDays)}

	cols := make([]string, 0, len(a.Totals))
	for col := range a.Totals {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		lines = append(lines, fmt.Sprintf("%s: total %s, average %s", col, formatNumber(a.Totals[col]), formatNumber(a.Means[col])))
	}

	if len(a.TopItems) > 0 {
		parts := make([]string, len(a.TopItems))
		for i, it := range a.TopItems {
			parts[i] = fmt.Sprintf("%s (%s)", it.Label, formatNumber(it.Value))
		}
		lines = append(lines, fmt.Sprintf("top items by %s: %s", a.ValueColumn, strings.Join(parts, ", ")))
	}
	if a.Velocity > 0 {
		lines = append(lines, fmt.Sprintf("sales velocity: %s units per day", formatNumber(a.Velocity)))
	}
	if a.Trend != nil {
		lines = append(lines, fmt.Sprintf("daily trend: %s (%s per day across %d days)", a.Trend.Direction, formatNumber(a.Trend.Slope), a.Trend.Buckets))
	}
	if a.Frequency != nil {
		lines = append(lines, fmt.Sprintf("customers: %d ordered once, %d ordered 2-5 times, %d ordered more than 5 times",
			a.Frequency.OneTime, a.Frequency.Repeat, a.Frequency.Frequent))
	}
	for _, r := range a.Reorders {
		lines = append(lines, fmt.Sprintf("%s: %s in stock, about %s days of cover, reorder %d units for the next %d days",
			r.Label, formatNumber(r.Available), formatNumber(r.DaysOfCover), r.Quantity, a.HorizonDays))
	}
	return lines
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func isIdentifier(col string) bool {
	col = strings.ToLower(col)
	return col == "id" || strings.HasSuffix(col, "_id")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(round2(v), 'f', 2, 64)
}
