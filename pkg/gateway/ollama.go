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

// Ollama adapts a local Ollama /api/generate endpoint.
type Ollama struct {
	pipeline
	client *http.Client
}

// NewOllama builds the adapter and its governance pipeline.
func NewOllama(cfg config.ProviderConfig, deps Deps) (*Ollama, error) {
	p, err := newPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}
	o := &Ollama{
		pipeline: p,
		client:   &http.Client{},
	}
	o.pipeline.invoke = o.call
	return o, nil
}

func (o *Ollama) call(ctx context.Context, req *models.GenerateRequest) (string, models.Usage, error) {
	body := models.OllamaRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: &models.OllamaOptions{
			Temperature: req.Params.Temperature,
			NumPredict:  req.Params.MaxTokens,
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("encode ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(buf))
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("read ollama response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", models.Usage{}, &ProviderError{
			Provider: o.name,
			Status:   resp.StatusCode,
			Message:  msg,
		}
	}

	var or models.OllamaResponse
	if err := json.Unmarshal(data, &or); err != nil {
		return "", models.Usage{}, fmt.Errorf("decode ollama response: %w", err)
	}

	usage := or.ToUsage()
	if usage.Total() == 0 {
		// Older Ollama builds omit eval counts.
		usage.TokensIn = EstimateTokens(req.Prompt) + EstimateTokens(req.System)
		usage.TokensOut = EstimateTokens(or.Response)
	}

	return or.Response, usage, nil
}
