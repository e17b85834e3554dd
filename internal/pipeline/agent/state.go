package agent

type State int

const (
	StateReceived State = iota
	StateClassifying
	StateClarificationNeeded
	StateGeneratingQuery
	StateQueryFailed
	StateExecuting
	StateExecutionFailed
	StateAnalyzing
	StateFormatting
	StateDone
)

var stateNames = map[State]string{
	StateReceived:            "received",
	StateClassifying:         "classifying",
	StateClarificationNeeded: "clarification_needed",
	StateGeneratingQuery:     "generating_query",
	StateQueryFailed:         "query_failed",
	StateExecuting:           "executing",
	StateExecutionFailed:     "execution_failed",
	StateAnalyzing:           "analyzing",
	StateFormatting:          "formatting",
	StateDone:                "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome labels how a run ended, for metrics and logs.
type Outcome string

const (
	OutcomeAnswered         Outcome = "answered"
	OutcomeClarification    Outcome = "clarification"
	OutcomeQueryFailed      Outcome = "query_failed"
	OutcomeExecutionFailed  Outcome = "execution_failed"
	OutcomeModelUnavailable Outcome = "model_unavailable"
	OutcomeInvalidInput     Outcome = "invalid_input"
	OutcomeCancelled        Outcome = "cancelled"
)
