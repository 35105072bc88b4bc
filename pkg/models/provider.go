package models

// ClaudeMessage is a single message in a Claude-style messages request.
type ClaudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClaudeRequest is a Claude-style /v1/messages request body.
type ClaudeRequest struct {
	Model       string          `json:"model"`
	Messages    []ClaudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// ClaudeContent is a content block in a Claude-style response.
type ClaudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ClaudeUsage holds token counts from a Claude-style response.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClaudeResponse is a Claude-style /v1/messages response body.
type ClaudeResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []ClaudeContent `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *ClaudeUsage    `json:"usage,omitempty"`
}

// ClaudeError is the error envelope a Claude-style endpoint returns on
// non-2xx statuses.
type ClaudeError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToUsage converts ClaudeUsage to the gateway Usage type.
func (u *ClaudeUsage) ToUsage() Usage {
	return Usage{TokensIn: u.InputTokens, TokensOut: u.OutputTokens}
}

// OllamaRequest is an Ollama /api/generate request body.
type OllamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *OllamaOptions `json:"options,omitempty"`
}

// OllamaOptions carries sampling options for an Ollama generation.
type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// OllamaResponse is an Ollama /api/generate response body (non-streaming).
type OllamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ToUsage converts Ollama eval counts to the gateway Usage type.
func (r *OllamaResponse) ToUsage() Usage {
	return Usage{TokensIn: r.PromptEvalCount, TokensOut: r.EvalCount}
}
