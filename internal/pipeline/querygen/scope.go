package querygen

import (
	"regexp"
	"strings"
)

var (
	cteNameRe     = regexp.MustCompile(`(?:\bWITH(?:\s+RECURSIVE)?|,)\s*([A-Z_][A-Z0-9_]*)\s*(?:\([^()]*\))?\s*AS\s*(?:NOT\s+)?(?:MATERIALIZED\s*)?\(`)
	storeFilterRe = regexp.MustCompile(`^(?:[A-Z_][A-Z0-9_]*\.)?STORE_ID(?:::\w+)?\s*=\s*\$1(?:::\w+)?$|^\$1(?:::\w+)?\s*=\s*(?:[A-Z_][A-Z0-9_]*\.)?STORE_ID(?:::\w+)?$`)

	setOperators = []string{"UNION", "INTERSECT", "EXCEPT"}
	whereEnds    = []string{"GROUP", "HAVING", "WINDOW", "ORDER", "LIMIT", "OFFSET", "FETCH"}
	fromEnds     = append([]string{"WHERE"}, whereEnds...)
)

// branch is one SELECT query block: from just past its SELECT keyword to the
// closing parenthesis of its subquery, the next set operator at its depth or
// the end of the text.
type branch struct {
	start, end int
	depth      int
}

// checkStoreScope requires every SELECT that reads a real table, including
// CTE bodies, set-operation arms and subqueries, to AND store_id = $1 into
// its WHERE clause. upper is the masked, upper-cased query.
func checkStoreScope(upper string) error {
	depths := parenDepths(upper)
	ctes := cteNames(upper)

	checked := 0
	for _, b := range selectBranches(upper, depths) {
		if !readsTable(b.relations(upper, depths), ctes) {
			continue
		}
		if err := b.checkStoreFilter(upper, depths); err != nil {
			return err
		}
		checked++
	}
	if checked == 0 {
		return invalid("store_filter", "the query must read a store table and filter it on store_id = $1")
	}
	return nil
}

// parenDepths gives the nesting depth in front of every byte.
func parenDepths(s string) []int {
	depths := make([]int, len(s)+1)
	depth := 0
	for i := 0; i < len(s); i++ {
		depths[i] = depth
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	depths[len(s)] = depth
	return depths
}

func cteNames(upper string) map[string]bool {
	names := make(map[string]bool)
	for _, m := range cteNameRe.FindAllStringSubmatch(upper, -1) {
		names[m[1]] = true
	}
	return names
}

func selectBranches(upper string, depths []int) []branch {
	var branches []branch
	for _, loc := range selectRe.FindAllStringIndex(upper, -1) {
		b := branch{start: loc[1], end: len(upper), depth: depths[loc[0]]}
		for i := b.start; i < len(upper); i++ {
			if depths[i] != b.depth {
				continue
			}
			if upper[i] == ')' || keywordIn(upper, i, setOperators) != "" {
				b.end = i
				break
			}
		}
		branches = append(branches, b)
	}
	return branches
}

// relations lists the named relations in the FROM clause of b. Derived
// tables and set-returning functions are skipped; derived tables are
// branches of their own.
func (b branch) relations(upper string, depths []int) []string {
	from := b.find(upper, depths, b.start, []string{"FROM"})
	if from < 0 {
		return nil
	}
	end := b.find(upper, depths, from+len("FROM"), fromEnds)
	if end < 0 {
		end = b.end
	}

	var names []string
	expect := true
	for i := from + len("FROM"); i < end; i++ {
		if depths[i] != b.depth {
			continue
		}
		c := upper[i]
		switch {
		case c == ',':
			expect = true
		case keywordIn(upper, i, []string{"JOIN"}) != "":
			expect = true
			i += len("JOIN") - 1
		case !expect:
		case c == '(':
			expect = false
		case c == '_' || isLetter(c):
			j := i
			for j < end && (isWordByte(upper[j]) || upper[j] == '.') {
				j++
			}
			name := upper[i:j]
			i = j - 1
			if name == "LATERAL" || name == "ONLY" {
				continue
			}
			expect = false
			k := j
			for k < end && (upper[k] == ' ' || upper[k] == '\t' || upper[k] == '\n' || upper[k] == '\r') {
				k++
			}
			if k < end && upper[k] == '(' {
				continue
			}
			if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
				name = name[dot+1:]
			}
			names = append(names, name)
		}
	}
	return names
}

func (b branch) checkStoreFilter(upper string, depths []int) error {
	where := b.find(upper, depths, b.start, []string{"WHERE"})
	if where < 0 {
		return invalid("store_filter", "every SELECT that reads a table must filter on store_id = $1 in its WHERE clause")
	}
	start := where + len("WHERE")
	end := b.find(upper, depths, start, whereEnds)
	if end < 0 {
		end = b.end
	}

	conjuncts, hasOr := splitConjuncts(upper, depths, start, end, b.depth)
	if hasOr {
		return invalid("store_filter", "the store_id = $1 filter must not sit next to a top-level OR; wrap the alternatives in parentheses")
	}
	for _, c := range conjuncts {
		if storeFilterRe.MatchString(stripParens(c)) {
			return nil
		}
	}
	return invalid("store_filter", "every SELECT that reads a table must filter on store_id = $1 in its WHERE clause")
}

// find returns the position of the first keyword from kws at b's depth in
// [from, b.end), or -1.
func (b branch) find(upper string, depths []int, from int, kws []string) int {
	for i := from; i < b.end; i++ {
		if depths[i] == b.depth && keywordIn(upper, i, kws) != "" {
			return i
		}
	}
	return -1
}

// splitConjuncts splits a WHERE body on its top-level AND, keeping the AND of
// a BETWEEN inside its conjunct. It reports a top-level OR instead.
func splitConjuncts(upper string, depths []int, start, end, depth int) ([]string, bool) {
	var (
		parts   []string
		from    = start
		between int
	)
	for i := start; i < end; i++ {
		if depths[i] != depth {
			continue
		}
		switch keywordIn(upper, i, []string{"OR", "AND", "BETWEEN"}) {
		case "OR":
			return nil, true
		case "BETWEEN":
			between++
		case "AND":
			if between > 0 {
				between--
				continue
			}
			parts = append(parts, strings.TrimSpace(upper[from:i]))
			from = i + len("AND")
		}
	}
	return append(parts, strings.TrimSpace(upper[from:end])), false
}

// stripParens removes parentheses that wrap the whole expression.
func stripParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && closingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func closingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func readsTable(relations []string, ctes map[string]bool) bool {
	for _, r := range relations {
		if !ctes[r] {
			return true
		}
	}
	return false
}

// keywordIn returns the keyword from kws that starts at i as a whole word.
func keywordIn(upper string, i int, kws []string) string {
	for _, kw := range kws {
		if strings.HasPrefix(upper[i:], kw) && wordBoundary(upper, i, i+len(kw)) {
			return kw
		}
	}
	return ""
}
