package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimePeriod is a relative window. Forward periods ("next_30_days") describe
// a projection horizon; the data window for them is the trailing period of
// the same length.
type TimePeriod struct {
	Label      string
	Days       int
	OffsetDays int
	Forward    bool
}

const maxPeriodDays = 3650

var namedPeriods = map[string]TimePeriod{
	"today":        {Days: 1},
	"yesterday":    {Days: 1, OffsetDays: 1},
	"last_7_days":  {Days: 7},
	"last_week":    {Days: 7},
	"last_30_days": {Days: 30},
	"last_month":   {Days: 30},
	"last_quarter": {Days: 90},
	"last_year":    {Days: 365},
	"next_7_days":  {Days: 7, Forward: true},
	"next_30_days": {Days: 30, Forward: true},
}

var relativePeriod = regexp.MustCompile(`^(last|next)_(\d{1,4})_days?$`)

// ParseTimePeriod accepts the named periods and last_<n>_days / next_<n>_days.
func ParseTimePeriod(s string) (TimePeriod, bool) {
	label := strings.ToLower(strings.TrimSpace(s))
	label = strings.NewReplacer(" ", "_", "-", "_").Replace(label)

	if p, ok := namedPeriods[label]; ok {
		p.Label = label
		return p, true
	}

	m := relativePeriod.FindStringSubmatch(label)
	if m == nil {
		return TimePeriod{}, false
	}
	days, err := strconv.Atoi(m[2])
	if err != nil || days <= 0 || days > maxPeriodDays {
		return TimePeriod{}, false
	}
	return TimePeriod{Label: label, Days: days, Forward: m[1] == "next"}, true
}

// DefaultPeriod is the trailing window used when a question names none.
func DefaultPeriod(days int) TimePeriod {
	return TimePeriod{Label: "last_" + strconv.Itoa(days) + "_days", Days: days}
}

// Window resolves the period against now. The end is exclusive.
func (p TimePeriod) Window(now time.Time) (start, end time.Time) {
	now = now.UTC()
	end = now.AddDate(0, 0, -p.OffsetDays)
	if p.OffsetDays > 0 {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	start = end.AddDate(0, 0, -p.Days)
	return start, end
}
