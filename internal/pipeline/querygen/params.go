package querygen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"store-insights/internal/models"
)

// Slot describes one positional parameter to the model.
type Slot struct {
	Index       int
	Name        string
	Description string
}

func (s Slot) String() string {
	return fmt.Sprintf("$%d %s: %s", s.Index, s.Name, s.Description)
}

// Parameters are bound before any model call. Literals holds the raw values
// that must never appear inline in the query text.
type Parameters struct {
	Values   []interface{}
	Slots    []Slot
	Literals []string
	Limit    int
	Period   models.TimePeriod
}

// BuildParameters derives the bound values from the intent alone. Order is
// fixed: store id, window start, window end, then limit, product pattern and
// customer segment when present.
func BuildParameters(intent models.Intent, store models.StoreContext, now time.Time, defaultDays int) Parameters {
	period := models.DefaultPeriod(defaultDays)
	if label, ok := intent.Entity(models.EntityTimePeriod); ok {
		if p, ok := models.ParseTimePeriod(label); ok {
			period = p
		}
	}
	start, end := period.Window(now)

	p := Parameters{Period: period, Literals: []string{store.StoreID}}
	p.add(store.StoreID, "store_id", "the store identifier (text); filter every table on store_id = $1")
	p.add(start, "window_start", "inclusive start of the time window (timestamptz)")
	p.add(end, "window_end", "exclusive end of the time window (timestamptz)")

	if raw, ok := intent.Entity(models.EntityLimit); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.Limit = n
			p.add(n, "row_limit", "maximum number of rows to return (integer), use in LIMIT")
		}
	}
	if name, ok := intent.Entity(models.EntityProductName); ok {
		p.add("%"+escapeLike(name)+"%", "product_pattern", "pattern for products.title ILIKE")
		p.Literals = append(p.Literals, name)
	}
	if segment, ok := intent.Entity(models.EntityCustomerSegment); ok {
		p.add(segment, "customer_segment", "customer segment tag to match against customers.tags (text)")
		p.Literals = append(p.Literals, segment)
	}
	return p
}

func (p *Parameters) add(value interface{}, name, description string) {
	p.Values = append(p.Values, value)
	p.Slots = append(p.Slots, Slot{Index: len(p.Values), Name: name, Description: description})
}

func (p Parameters) SlotLines() []string {
	lines := make([]string, len(p.Slots))
	for i, s := range p.Slots {
		lines[i] = s.String()
	}
	return lines
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
