package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velar-health/velar/pkg/models"
)

// ErrExceeded is returned (wrapped in a *LimitError) when admission is denied.
var ErrExceeded = errors.New("budget exceeded")

// window is fixed at one hour; the caps are defined per hour.
const window = time.Hour

// Limiter admits requests against caps on request count and token volume
// per hour. The window is fixed, not sliding: once a full hour has elapsed
// since it opened, both counters reset wholesale on the next access. A
// burst straddling the boundary can therefore exceed the intended average
// rate over a two-window span.
//
// Each provider adapter owns one Limiter; it is never shared.
type Limiter struct {
	mu sync.Mutex

	provider    string
	maxRequests int
	maxTokens   int // 0 disables the token cap

	periodStart  time.Time
	requestsMade int
	tokensUsed   int

	now func() time.Time
}

// LimitError reports a denied admission with the usage that denied it.
// It unwraps to ErrExceeded.
type LimitError struct {
	Usage           models.BudgetUsage
	EstimatedTokens int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: %d/%d requests, %d/%d tokens this window",
		e.Usage.Provider, e.Usage.RequestsMade, e.Usage.MaxRequests,
		e.Usage.TokensUsed, e.Usage.MaxTokens)
}

func (e *LimitError) Unwrap() error { return ErrExceeded }

// New creates a Limiter for one provider with hourly caps. A zero token
// cap disables the token dimension; the request cap is always enforced.
func New(provider string, maxRequestsPerHour, maxTokensPerHour int) *Limiter {
	return &Limiter{
		provider:    provider,
		maxRequests: maxRequestsPerHour,
		maxTokens:   maxTokensPerHour,
		periodStart: time.Now(),
		now:         time.Now,
	}
}

// resetIfNeeded must be called with the lock held.
func (l *Limiter) resetIfNeeded() {
	if l.now().Sub(l.periodStart) > window {
		l.periodStart = l.now()
		l.requestsMade = 0
		l.tokensUsed = 0
	}
}

// ResetIfNeeded resets the window if a full hour has elapsed. Idempotent;
// also invoked lazily by every other access.
func (l *Limiter) ResetIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNeeded()
}

// admissible must be called with the lock held.
func (l *Limiter) admissible(estimatedTokens int) bool {
	if l.requestsMade+1 > l.maxRequests {
		return false
	}
	if l.maxTokens > 0 && l.tokensUsed+estimatedTokens > l.maxTokens {
		return false
	}
	return true
}

// CanRequest reports whether a request with the given token estimate would
// be admitted right now. Pure check: it consumes nothing. Callers racing
// other callers should use Admit instead.
func (l *Limiter) CanRequest(estimatedTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNeeded()
	return l.admissible(estimatedTokens)
}

// Track records a completed request's actual token usage. Pairs with
// CanRequest in the two-step flow; callers using Admit should Settle
// instead.
func (l *Limiter) Track(actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNeeded()
	l.requestsMade++
	l.tokensUsed += actualTokens
}

// Admit reserves one request slot and the estimated tokens in a single
// critical section, so concurrent callers cannot jointly over-admit.
// On denial it returns a *LimitError and consumes nothing.
func (l *Limiter) Admit(estimatedTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNeeded()
	if !l.admissible(estimatedTokens) {
		return &LimitError{Usage: l.usageLocked(), EstimatedTokens: estimatedTokens}
	}
	l.requestsMade++
	l.tokensUsed += estimatedTokens
	return nil
}

// Settle replaces an Admit reservation's token estimate with the actual
// count once the call finishes. For a failed call pass actual=0 to release
// the reservation; the request slot itself stays consumed.
func (l *Limiter) Settle(estimatedTokens, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokensUsed += actualTokens - estimatedTokens
	if l.tokensUsed < 0 {
		l.tokensUsed = 0
	}
}

// usageLocked must be called with the lock held.
func (l *Limiter) usageLocked() models.BudgetUsage {
	return models.BudgetUsage{
		Provider:     l.provider,
		RequestsMade: l.requestsMade,
		TokensUsed:   l.tokensUsed,
		MaxRequests:  l.maxRequests,
		MaxTokens:    l.maxTokens,
		WindowStart:  l.periodStart,
	}
}

// Usage returns a snapshot of the current window.
func (l *Limiter) Usage() models.BudgetUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNeeded()
	return l.usageLocked()
}
