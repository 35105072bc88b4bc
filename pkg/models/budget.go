package models

import "time"

// BudgetUsage is a point-in-time snapshot of an adapter's rolling-hour
// window: what has been consumed against each cap and when the current
// window opened.
type BudgetUsage struct {
	Provider     string    `json:"provider"`
	RequestsMade int       `json:"requests_made"`
	TokensUsed   int       `json:"tokens_used"`
	MaxRequests  int       `json:"max_requests"`
	MaxTokens    int       `json:"max_tokens"`
	WindowStart  time.Time `json:"window_start"`
}

// RequestsRemaining returns how many requests the window still admits.
func (u BudgetUsage) RequestsRemaining() int {
	if r := u.MaxRequests - u.RequestsMade; r > 0 {
		return r
	}
	return 0
}

// TokensRemaining returns how many tokens the window still admits.
func (u BudgetUsage) TokensRemaining() int {
	if r := u.MaxTokens - u.TokensUsed; r > 0 {
		return r
	}
	return 0
}
