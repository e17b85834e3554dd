package models

// Insight holds the statements and recommendations derived from a ResultSet.
// Aggregates are the locally computed figures the statements refer to.
type Insight struct {
	Statements      []string           `json:"statements"`
	Recommendations []string           `json:"recommendations"`
	Confidence      Confidence         `json:"confidence"`
	Aggregates      map[string]float64 `json:"aggregates,omitempty"`
}

// Failure is attached to an Answer when the pipeline could not complete.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

// Answer is the only artifact returned to callers of the pipeline.
type Answer struct {
	RequestID           string     `json:"requestId"`
	Text                string     `json:"text"`
	Confidence          Confidence `json:"confidence"`
	QueryUsed           string     `json:"queryUsed"`
	DataPoints          int        `json:"dataPoints"`
	ClarificationNeeded bool       `json:"clarificationNeeded"`
	Failure             *Failure   `json:"failure,omitempty"`
	ReasoningSteps      []string   `json:"reasoningSteps,omitempty"`
}

func (a Answer) Failed() bool {
	return a.Failure != nil
}
