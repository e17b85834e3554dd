package querygen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationError names the rule a generated query broke. Reason is fed
// back to the model on the next attempt.
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(rule, format string, args ...interface{}) error {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

var (
	startRe       = regexp.MustCompile(`^(SELECT|WITH)\b`)
	fromRe        = regexp.MustCompile(`\bFROM\b`)
	forbiddenRe   = regexp.MustCompile(`\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|TABLE|UESCAPE)\b`)
	selectRe      = regexp.MustCompile(`\bSELECT\b`)
	aggregateRe   = regexp.MustCompile(`\b(COUNT|SUM|AVG|MIN|MAX)\s*\(`)
	windowRe      = regexp.MustCompile(`\bOVER\b`)
	groupByRe     = regexp.MustCompile(`\bGROUP\s+BY\b`)
	placeholderRe = regexp.MustCompile(`\$(\d+)`)
	inlineLimitRe = regexp.MustCompile(`\bLIMIT\s+\d+\b`)
	aliasRe       = regexp.MustCompile(`\s+AS\s+\w+$`)
	constantRe    = regexp.MustCompile(`\$\d+|::\w+|\b\d+(\.\d+)?\b|''|""`)
	identRe       = regexp.MustCompile(`[A-Z_*]`)
)

// Normalize trims whitespace, a surrounding code fence and one trailing
// semicolon.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.Index(text, "\n"); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ";")
	return strings.TrimSpace(text)
}

// Validate applies the local syntactic and safety rules to a normalized
// query. It returns the first broken rule as a *ValidationError.
func Validate(text string, params Parameters) error {
	if text == "" {
		return invalid("non_empty", "the query is empty")
	}

	masked, literals, ok := maskLiterals(text)
	if !ok {
		return invalid("balanced", "the query has an unterminated quoted string or comment")
	}
	upper := strings.ToUpper(masked)

	if !startRe.MatchString(upper) {
		return invalid("read_only", "the query must start with SELECT or WITH")
	}
	if !fromRe.MatchString(upper) {
		return invalid("read_only", "the query must read FROM a table")
	}
	if m := forbiddenRe.FindString(upper); m != "" {
		return invalid("forbidden_keyword", "the query contains the forbidden keyword %s", m)
	}
	if strings.Contains(masked, ";") {
		return invalid("single_statement", "the query must be a single statement")
	}
	if !balancedParens(masked) {
		return invalid("balanced", "the query has unbalanced parentheses")
	}
	if needsGroupBy(upper) && !groupByRe.MatchString(upper) {
		return invalid("group_by", "the query mixes aggregate functions with plain columns but has no GROUP BY")
	}
	if err := checkStoreScope(upper); err != nil {
		return err
	}
	if err := checkPlaceholders(masked, params); err != nil {
		return err
	}
	return checkInlineValues(upper, literals, params)
}

func checkPlaceholders(masked string, params Parameters) error {
	used := make(map[int]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(masked, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(params.Values) {
			return invalid("placeholders", "placeholder $%s is not one of the declared parameters $1..$%d", m[1], len(params.Values))
		}
		used[n] = true
	}
	for _, slot := range params.Slots {
		if !used[slot.Index] {
			return invalid("placeholders", "parameter $%d (%s) is declared but not used", slot.Index, slot.Name)
		}
	}
	return nil
}

func checkInlineValues(upper string, literals []string, params Parameters) error {
	// Adjacent constants can be concatenated back into the value.
	candidates := append(literals, strings.Join(literals, ""))
	for _, lit := range candidates {
		lower := strings.ToLower(lit)
		for _, raw := range params.Literals {
			if raw != "" && strings.Contains(lower, strings.ToLower(raw)) {
				return invalid("inline_value", "the value %q must be passed as a parameter, not written inline", raw)
			}
		}
	}
	if params.Limit > 0 && inlineLimitRe.MatchString(upper) {
		return invalid("inline_value", "use the row_limit parameter instead of an inline LIMIT number")
	}
	return nil
}

// maskLiterals blanks out string constants and comments so keyword checks
// only see SQL. It returns the decoded contents of every string constant
// (plain, E'', U&'' and dollar-quoted), and false when a quote or block
// comment is left open.
func maskLiterals(text string) (string, []string, bool) {
	var (
		out      = make([]byte, 0, len(text))
		literals []string
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			out = append(out, ' ')
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end, ok := blockCommentEnd(text, i)
			if !ok {
				return "", nil, false
			}
			i = end
			out = append(out, ' ')
		case c == '$' && (i == 0 || !isWordByte(text[i-1])):
			tag := dollarTag(text, i)
			if tag == "" {
				out = append(out, c)
				continue
			}
			body := i + len(tag)
			n := strings.Index(text[body:], tag)
			if n < 0 {
				return "", nil, false
			}
			literals = append(literals, text[body:body+n])
			out = append(out, '\'', '\'')
			i = body + n + len(tag) - 1
		case c == '\'':
			escaped, unicode := escapePrefix(text, i), unicodePrefix(text, i)
			raw, end, ok := quoted(text, i, escaped)
			if !ok {
				return "", nil, false
			}
			switch {
			case escaped:
				raw = decodeEscapes(raw)
				out = out[:len(out)-1]
			case unicode:
				raw = decodeUnicode(raw)
				out = out[:len(out)-2]
			}
			literals = append(literals, raw)
			out = append(out, '\'', '\'')
			i = end
		case c == '"':
			_, end, ok := quoted(text, i, false)
			if !ok {
				return "", nil, false
			}
			out = append(out, '"', '"')
			i = end
		default:
			out = append(out, c)
		}
	}
	return string(out), literals, true
}

// quoted reads the constant opened at open and returns its body with doubled
// quotes collapsed. With backslash set, a backslash keeps the next byte
// escaped and both are left in the body for decodeEscapes.
func quoted(text string, open int, backslash bool) (string, int, bool) {
	q := text[open]
	var body strings.Builder
	for i := open + 1; i < len(text); i++ {
		switch {
		case backslash && text[i] == '\\' && i+1 < len(text):
			body.WriteByte(text[i])
			body.WriteByte(text[i+1])
			i++
		case text[i] == q:
			if i+1 < len(text) && text[i+1] == q {
				body.WriteByte(q)
				i++
				continue
			}
			return body.String(), i, true
		default:
			body.WriteByte(text[i])
		}
	}
	return "", 0, false
}

func escapePrefix(text string, quote int) bool {
	return quote >= 1 && (text[quote-1] == 'E' || text[quote-1] == 'e') &&
		(quote < 2 || !isWordByte(text[quote-2]))
}

func unicodePrefix(text string, quote int) bool {
	return quote >= 2 && text[quote-1] == '&' && (text[quote-2] == 'U' || text[quote-2] == 'u') &&
		(quote < 3 || !isWordByte(text[quote-3]))
}

// blockCommentEnd returns the index of the final '/' of a block comment.
// Block comments nest.
func blockCommentEnd(text string, open int) (int, bool) {
	depth := 0
	for i := open; i+1 < len(text); i++ {
		switch {
		case text[i] == '/' && text[i+1] == '*':
			depth++
			i++
		case text[i] == '*' && text[i+1] == '/':
			depth--
			i++
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// dollarTag returns the opening tag ($$ or $name$) of a dollar-quoted
// constant starting at open, or "" for a placeholder or a lone dollar.
func dollarTag(text string, open int) string {
	j := open + 1
	if j < len(text) && (text[j] == '_' || text[j] >= 0x80 || isLetter(text[j])) {
		for j < len(text) && (isWordByte(text[j]) || text[j] >= 0x80) {
			j++
		}
	}
	if j < len(text) && text[j] == '$' {
		return text[open : j+1]
	}
	return ""
}

func decodeEscapes(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 == len(raw) {
			b.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; {
		case c == 'b':
			b.WriteByte('\b')
		case c == 'f':
			b.WriteByte('\f')
		case c == 'n':
			b.WriteByte('\n')
		case c == 'r':
			b.WriteByte('\r')
		case c == 't':
			b.WriteByte('\t')
		case c == 'x':
			v, n := readDigits(raw[i+1:], 16, 2)
			if n == 0 {
				b.WriteByte(c)
				continue
			}
			b.WriteByte(byte(v))
			i += n
		case c == 'u' || c == 'U':
			width := 4
			if c == 'U' {
				width = 8
			}
			v, n := readDigits(raw[i+1:], 16, width)
			if n != width {
				b.WriteByte(c)
				continue
			}
			b.WriteRune(rune(v))
			i += n
		case c >= '0' && c <= '7':
			v, n := readDigits(raw[i:], 8, 3)
			b.WriteByte(byte(v))
			i += n - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeUnicode(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 == len(raw) {
			b.WriteByte(raw[i])
			continue
		}
		switch {
		case raw[i+1] == '\\':
			b.WriteByte('\\')
			i++
		case raw[i+1] == '+':
			if v, n := readDigits(raw[i+2:], 16, 6); n == 6 {
				b.WriteRune(rune(v))
				i += 7
				continue
			}
			b.WriteByte(raw[i])
		default:
			if v, n := readDigits(raw[i+1:], 16, 4); n == 4 {
				b.WriteRune(rune(v))
				i += 4
				continue
			}
			b.WriteByte(raw[i])
		}
	}
	return b.String()
}

func readDigits(s string, base, width int) (int, int) {
	v, n := 0, 0
	for n < width && n < len(s) {
		d := digitValue(s[n])
		if d < 0 || d >= base {
			break
		}
		v = v*base + d
		n++
	}
	return v, n
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

func balancedParens(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// needsGroupBy reports whether any SELECT list mixes aggregate calls with
// plain column expressions.
func needsGroupBy(upper string) bool {
	for _, loc := range selectRe.FindAllStringIndex(upper, -1) {
		list, ok := selectList(upper, loc[1])
		if !ok {
			continue
		}
		hasAggregate, hasPlain := false, false
		for _, item := range splitTopLevel(list) {
			switch {
			case aggregateRe.MatchString(item) || windowRe.MatchString(item):
				hasAggregate = true
			case isColumnExpr(item):
				hasPlain = true
			}
		}
		if hasAggregate && hasPlain {
			return true
		}
	}
	return false
}

// selectList returns the text between a SELECT keyword ending at pos and its
// FROM at the same nesting depth.
func selectList(upper string, pos int) (string, bool) {
	depth := 0
	for i := pos; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", false
			}
		default:
			if depth == 0 && strings.HasPrefix(upper[i:], "FROM") && wordBoundary(upper, i, i+4) {
				list := strings.TrimSpace(upper[pos:i])
				list = strings.TrimPrefix(list, "DISTINCT ")
				return list, true
			}
		}
	}
	return "", false
}

func splitTopLevel(list string) []string {
	var (
		items []string
		depth int
		start int
	)
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	return append(items, strings.TrimSpace(list[start:]))
}

func isColumnExpr(item string) bool {
	item = aliasRe.ReplaceAllString(item, "")
	item = constantRe.ReplaceAllString(item, "")
	return identRe.MatchString(item)
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	return end >= len(s) || !isWordByte(s[end])
}

func isWordByte(c byte) bool {
	return c == '_' || isLetter(c) || (c >= '0' && c <= '9')
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
