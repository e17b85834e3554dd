// Package formatter renders an Insight as the plain-language Answer a store
// owner reads.
package formatter

import (
	"fmt"
	"regexp"
	"strings"

	"store-insights/internal/models"
)

const sqlOperand = `[\w$()*'",]+(?:\.[\w$()*'",]+)*`

var (
	fencedSnippet = regexp.MustCompile("(?s)```.*?(```|$)")
	inlineSnippet = regexp.MustCompile("`[^`]*`")
	placeholder   = regexp.MustCompile(`\$\d+`)
	queryKeyword  = regexp.MustCompile(`\b(SELECT|FROM|WHERE|GROUP BY|ORDER BY|(?:LEFT |RIGHT |INNER |OUTER )?JOIN)\b`)
	sqlRun        = regexp.MustCompile(`(?i)\bselect\s+((?:[^.!?\n]|\.\S)*?)\s+from\s+\w+(?:\.\w+)*` +
		`((?:\s+(?:where|and|or|group\s+by|order\s+by|having|limit|offset|(?:left\s+|right\s+|inner\s+|full\s+)?join|on|as|asc|desc)\b` +
		`(?:\s+` + sqlOperand + `(?:\s*(?:=|<>|!=|>=|<=|<|>)\s*` + sqlOperand + `)?)?)*)`)
	sqlClause     = regexp.MustCompile(`(?i)\b(where|group\s+by|order\s+by|having|limit|join)\b`)
	spaceRun      = regexp.MustCompile(`[ \t]{2,}`)
	spaceBefore   = regexp.MustCompile(`\s+([.,;:!?])`)
)

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

// Plural forms come first so "queries" does not become "searchies".
var jargon = buildJargon([][2]string{
	{"APIs", "systems"},
	{"API", "system"},
	{"queries", "searches"},
	{"query", "search"},
	{"databases", "records"},
	{"database", "records"},
	{"SQL", "data"},
	{"JSON", "data"},
	{"HTTP", "connection"},
	{"endpoints", "services"},
	{"endpoint", "service"},
	{"parameters", "settings"},
	{"parameter", "setting"},
	{"aggregations", "summaries"},
	{"aggregation", "summary"},
	{"schemas", "structures"},
	{"schema", "structure"},
})

func buildJargon(pairs [][2]string) []replacement {
	out := make([]replacement, len(pairs))
	for i, p := range pairs {
		out[i] = replacement{
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p[0]) + `\b`),
			with:    p[1],
		}
	}
	return out
}

// Format is pure: the same inputs always give the same Answer.
func Format(intent models.Intent, query models.GeneratedQuery, insight models.Insight) models.Answer {
	dataPoints := int(insight.Aggregates["row_count"])

	var b strings.Builder
	b.WriteString(paragraph(insight.Statements))

	recs := lines(insight.Recommendations)
	if len(recs) > 0 {
		b.WriteString("\n\nRecommendations:")
		for _, r := range recs {
			b.WriteString("\n- ")
			b.WriteString(r)
		}
	}

	if dataPoints > 0 {
		fmt.Fprintf(&b, "\n\n(Based on analysis of %d data points)", dataPoints)
	}
	if note := ConfidenceNote(insight.Confidence); note != "" {
		b.WriteString("\n\n")
		b.WriteString(note)
	}

	return models.Answer{
		Text:                strings.TrimSpace(b.String()),
		Confidence:          insight.Confidence,
		QueryUsed:           query.Text,
		DataPoints:          dataPoints,
		ClarificationNeeded: false,
	}
}

// ConfidenceNote is empty for high confidence.
func ConfidenceNote(c models.Confidence) string {
	switch c {
	case models.ConfidenceHigh:
		return ""
	case models.ConfidenceMedium:
		return "Note: This analysis has medium confidence due to limited data. A longer time period may give a clearer picture."
	default:
		return "Note: This analysis has low confidence due to limited data. Consider a longer time period or a broader question for better insights."
	}
}

// Clean removes query-language fragments and replaces technical terms.
func Clean(text string) string {
	text = fencedSnippet.ReplaceAllString(text, "")
	text = inlineSnippet.ReplaceAllString(text, "")
	text = stripQueries(text)
	text = placeholder.ReplaceAllString(text, "")
	text = queryKeyword.ReplaceAllString(text, "")
	for _, r := range jargon {
		text = r.pattern.ReplaceAllString(text, r.with)
	}
	text = spaceRun.ReplaceAllString(text, " ")
	text = spaceBefore.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

// stripQueries drops query text written into prose in any letter case.
// A select...from run only counts when its column list or its trailing
// clauses look like a query, so "select gift wrap from the cart" stays.
func stripQueries(text string) string {
	var (
		b    strings.Builder
		last int
	)
	for _, m := range sqlRun.FindAllStringSubmatchIndex(text, -1) {
		list, tail := text[m[2]:m[3]], text[m[4]:m[5]]
		if !strings.ContainsAny(list, "(*_,") && !sqlClause.MatchString(tail) {
			continue
		}
		b.WriteString(text[last:m[0]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func paragraph(statements []string) string {
	return strings.Join(lines(statements), " ")
}

func lines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = Clean(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
