package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/models"
)

// anthropicVersion is the API revision sent with every request.
const anthropicVersion = "2023-06-01"

// maxResponseBytes caps how much of an upstream body is read. A provider
// that streams garbage must not exhaust gateway memory.
const maxResponseBytes = 10 << 20

// Claude adapts a Claude-style messages endpoint.
type Claude struct {
	pipeline
	apiKey string
	client *http.Client
}

// NewClaude builds the adapter and its governance pipeline.
func NewClaude(cfg config.ProviderConfig, deps Deps) (*Claude, error) {
	p, err := newPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}
	c := &Claude{
		pipeline: p,
		apiKey:   cfg.APIKey,
		// The pipeline applies the per-attempt timeout through the
		// request context; the client itself stays unbounded.
		client: &http.Client{},
	}
	c.pipeline.invoke = c.call
	return c, nil
}

func (c *Claude) call(ctx context.Context, req *models.GenerateRequest) (string, models.Usage, error) {
	body := models.ClaudeRequest{
		Model:       req.Model,
		Messages:    []models.ClaudeMessage{{Role: "user", Content: req.Prompt}},
		System:      req.System,
		MaxTokens:   *req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("encode claude request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/messages", bytes.NewReader(buf))
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("build claude request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("call claude: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("read claude response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", models.Usage{}, &ProviderError{
			Provider: c.name,
			Status:   resp.StatusCode,
			Message:  claudeErrorMessage(data),
		}
	}

	var cr models.ClaudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", models.Usage{}, fmt.Errorf("decode claude response: %w", err)
	}

	var text bytes.Buffer
	for _, block := range cr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := models.Usage{}
	if cr.Usage != nil {
		usage = cr.Usage.ToUsage()
	} else {
		// Responses without usage still need accounting.
		usage.TokensIn = EstimateTokens(req.Prompt) + EstimateTokens(req.System)
		usage.TokensOut = EstimateTokens(text.String())
	}

	return text.String(), usage, nil
}

// claudeErrorMessage pulls the human-readable message out of a Claude
// error envelope, falling back to the raw body.
func claudeErrorMessage(data []byte) string {
	var ce models.ClaudeError
	if err := json.Unmarshal(data, &ce); err == nil && ce.Error.Message != "" {
		return ce.Error.Message
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
