package askquestion

import (
	"store-insights/internal/common/validation"
	"store-insights/internal/models"
)

type Input struct {
	Question string `json:"question"`
	StoreID  string `json:"storeId"`
}

// Output is written back to the process instance. Failure answers are
// outputs too; only invalid input is raised as a BPMN error.
type Output struct {
	Answer models.Answer `json:"answer"`
}

// Variables flattens the output for gateways in the process model.
func (o *Output) Variables() map[string]interface{} {
	vars := map[string]interface{}{
		"answer":              o.Answer,
		"answerText":          o.Answer.Text,
		"answerConfidence":    string(o.Answer.Confidence),
		"clarificationNeeded": o.Answer.ClarificationNeeded,
		"answerFailed":        o.Answer.Failed(),
	}
	if o.Answer.Failure != nil {
		vars["failureCode"] = o.Answer.Failure.Code
		vars["failureRetry"] = o.Answer.Failure.Retry
	}
	return vars
}

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type: "object",
		Properties: map[string]validation.Property{
			"question": {
				Type:      "string",
				MinLength: validation.IntPtr(1),
				MaxLength: validation.IntPtr(1000),
				Pattern:   `\S`,
			},
			"storeId": {
				Type:    "string",
				Pattern: `^[a-zA-Z0-9][a-zA-Z0-9\-]*\.myshopify\.com$`,
			},
		},
		Required: []string{"question", "storeId"},
	}
}

var inputSchema = validation.MustCompile(GetInputSchema())
