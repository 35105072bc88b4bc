package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/velar-health/velar/pkg/breaker"
	"github.com/velar-health/velar/pkg/budget"
	"github.com/velar-health/velar/pkg/policy"
)

var (
	// ErrStreamingUnsupported is returned for any stream request.
	ErrStreamingUnsupported = errors.New("streaming is not supported")

	// ErrNotImplemented is returned by stub adapters for providers that
	// are configured but not wired up.
	ErrNotImplemented = errors.New("provider not implemented")

	// ErrUnknownProvider is returned when a request names a provider
	// that is not configured.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError reports a non-2xx upstream response. Transport-level
// failures (timeouts, refused connections) are not wrapped in it; they
// stay as net errors so retry classification can see them.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Message)
}

// Transient reports whether the upstream status is worth retrying:
// rate limits, request timeouts, and server-side failures are; other
// client errors (auth, validation) are not.
func (e *ProviderError) Transient() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// Failure categories, stable across error message changes so callers and
// dashboards can key on them.
const (
	CategoryBudgetDenied   = "budget_denied"
	CategoryCircuitOpen    = "circuit_open"
	CategoryPolicyDenied   = "policy_denied"
	CategoryProviderFailed = "provider_failed"
	CategoryUnsupported    = "unsupported"
)

// Categorize maps an error from Generate to its failure category.
func Categorize(err error) string {
	switch {
	case errors.Is(err, budget.ErrExceeded):
		return CategoryBudgetDenied
	case errors.Is(err, breaker.ErrOpen):
		return CategoryCircuitOpen
	case errors.Is(err, ErrStreamingUnsupported),
		errors.Is(err, ErrNotImplemented),
		errors.Is(err, ErrUnknownProvider):
		return CategoryUnsupported
	}
	if _, ok := policy.AsViolation(err); ok {
		return CategoryPolicyDenied
	}
	return CategoryProviderFailed
}
