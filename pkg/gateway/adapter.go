// Package gateway composes the governance layers around each upstream
// LLM provider: policy checks, response caching, budget admission,
// failure isolation, retry, and post-call accounting. Callers talk to
// an Adapter; everything between the Adapter and the provider's HTTP
// endpoint lives here.
package gateway

import (
	"context"
	"path/filepath"

	"github.com/velar-health/velar/pkg/audit"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/ledger"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

// Adapter is the capability surface of one upstream provider. Generate
// runs the full governed pipeline; Stream is declared for parity with
// the request schema but no adapter supports it yet.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error)
	Stream(ctx context.Context, req *models.GenerateRequest) error
}

// Reporter exposes an adapter's governance state for operational
// surfaces (CLI, MCP). Stub adapters do not implement it.
type Reporter interface {
	BudgetUsage() models.BudgetUsage
	BreakerState() string
	CacheStats() (models.CacheStats, error)
}

// Deps are the process-wide singletons shared by every adapter. The
// limiter, breaker, and cache are per-adapter and built by the factory;
// everything here is shared.
type Deps struct {
	Policy  *policy.Enforcer
	Metrics *metrics.Collector
	Audit   audit.Sink
	Ledger  ledger.Ledger
	Cache   config.CacheConfig
	Pricing func(model string) models.ModelPricing
}

// Factory builds the adapter for one configured provider, keyed by its
// type. Unrecognized types get a stub that rejects calls, so a typo in
// the config surfaces at request time with a clear error instead of a
// panic at startup.
func Factory(cfg config.ProviderConfig, deps Deps) (Adapter, error) {
	switch cfg.Type {
	case "claude":
		return NewClaude(cfg, deps)
	case "ollama":
		return NewOllama(cfg, deps)
	default:
		return NewStub(cfg.Name), nil
	}
}

// cachePath returns the per-provider cache database path.
func cachePath(cache config.CacheConfig, provider string) string {
	return filepath.Join(cache.Dir, provider+".db")
}

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context so pipeline audit
// rows correlate with the HTTP access log.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
