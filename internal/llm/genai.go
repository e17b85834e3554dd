package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	httpclient "store-insights/internal/common/http"
)

// GenAIConfig points at the in-house generation gateway.
type GenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type GenAIProvider struct {
	config GenAIConfig
	client *httpclient.Client
}

func NewGenAI(cfg GenAIConfig) *GenAIProvider {
	return &GenAIProvider{
		config: cfg,
		client: httpclient.NewClient(withDefaultTimeout(cfg.Timeout)),
	}
}

func (p *GenAIProvider) Name() string { return "genai" }

type genaiRequest struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Format      string  `json:"format,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type genaiResponse struct {
	Text string `json:"text"`
}

func (p *GenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	body := genaiRequest{
		Model:       p.config.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.Format = "json"
	}

	headers := map[string]string{}
	if p.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.config.APIKey
	}

	var resp genaiResponse
	url := strings.TrimRight(p.config.BaseURL, "/") + "/api/ai/generate"
	if err := p.client.PostJSON(ctx, url, headers, body, &resp); err != nil {
		status := 0
		var statusErr *httpclient.StatusError
		if stderrors.As(err, &statusErr) {
			status = statusErr.StatusCode
		}
		return "", classifyError(ctx, p.Name(), status, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", classifyError(ctx, p.Name(), 0, fmt.Errorf("empty completion"))
	}
	return resp.Text, nil
}
