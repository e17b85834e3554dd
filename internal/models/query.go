package models

// GeneratedQuery is a parameterized warehouse query built from one Intent.
// Parameters are bound positionally to $1..$n in Text.
type GeneratedQuery struct {
	Text       string        `json:"text"`
	Parameters []interface{} `json:"parameters"`
	Family     string        `json:"family"`
	Valid      bool          `json:"valid"`
	Attempts   int           `json:"attempts"`
}

// ResultSet is the tabular result of executing a GeneratedQuery.
type ResultSet struct {
	Columns  []string                 `json:"columns"`
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"rowCount"`
}

// NewResultSet keeps RowCount equal to len(rows).
func NewResultSet(columns []string, rows []map[string]interface{}) ResultSet {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return ResultSet{
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
	}
}
