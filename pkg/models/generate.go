package models

// Params holds the sampling parameters a caller may set on a generation.
// Pointers distinguish "absent" from an explicit zero; the gateway fills
// defaults before the request reaches hashing or a provider.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// GenerateRequest is the single-turn generation request accepted by the
// gateway.
type GenerateRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	System   string `json:"system,omitempty"`
	Params   Params `json:"params"`
	Stream   bool   `json:"stream,omitempty"`
}

// Usage reports token consumption for a single generation.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Total returns combined input and output tokens.
func (u Usage) Total() int {
	return u.TokensIn + u.TokensOut
}

// GenerateResponse is the gateway's response envelope. LatencyMs is the
// upstream round-trip time and is always 0 when CacheHit is true.
type GenerateResponse struct {
	OK         bool          `json:"ok"`
	Text       string        `json:"text"`
	Usage      Usage         `json:"usage"`
	LatencyMs  int64         `json:"latency_ms"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	PromptHash string        `json:"prompt_hash"`
	CacheHit   bool          `json:"cache_hit"`
	Quality    *QualityScore `json:"quality,omitempty"`
}
