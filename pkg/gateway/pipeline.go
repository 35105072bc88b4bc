package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velar-health/velar/pkg/audit"
	"github.com/velar-health/velar/pkg/breaker"
	"github.com/velar-health/velar/pkg/budget"
	"github.com/velar-health/velar/pkg/cache/sqlite"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

// defaultMaxTokens fills a request that did not cap its output. The
// value participates in the cache key, so it is filled before hashing.
const defaultMaxTokens = 1024

// invokeFunc performs the raw provider call. It receives a request with
// model and params already filled and returns the generated text and the
// provider-reported usage.
type invokeFunc func(ctx context.Context, req *models.GenerateRequest) (string, models.Usage, error)

// pipeline is the governed path every provider call takes:
//
//	policy egress -> policy cost -> cache -> budget -> breaker -> call
//
// with retry inside the call step and accounting (ledger, cache fill,
// metrics, audit) after it. The limiter, breaker, and cache belong to
// one adapter; they are never shared across providers.
type pipeline struct {
	name    string
	url     string
	model   string
	timeout time.Duration
	retry   breaker.Policy

	limiter *budget.Limiter
	breaker *breaker.Breaker
	cache   *sqlite.Cache // nil when caching is disabled

	deps Deps

	invoke invokeFunc
}

// newPipeline wires the per-adapter governance state for one provider.
// Hourly caps come from the provider config; zero values defer to the
// policy's budgets section as sized at startup.
func newPipeline(cfg config.ProviderConfig, deps Deps) (pipeline, error) {
	if deps.Audit == nil {
		deps.Audit = audit.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.Pricing == nil {
		deps.Pricing = func(string) models.ModelPricing { return models.ModelPricing{} }
	}

	maxReq := cfg.Budget.MaxRequestsPerHour
	maxTok := cfg.Budget.MaxTokensPerHour
	if snap := deps.Policy.Current(); snap != nil {
		if maxReq == 0 {
			maxReq = snap.MaxRequestsPerHour
		}
		if maxTok == 0 {
			maxTok = snap.MaxTokensPerHour
		}
	}

	p := pipeline{
		name:    cfg.Name,
		url:     strings.TrimSuffix(cfg.URL, "/"),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry: breaker.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		},
		limiter: budget.New(cfg.Name, maxReq, maxTok),
		breaker: breaker.New(cfg.Name, cfg.Breaker.FailureThreshold, cfg.Breaker.Window),
		deps:    deps,
	}

	if deps.Cache.Enabled {
		c, err := sqlite.New(cachePath(deps.Cache, cfg.Name), deps.Cache.TTL)
		if err != nil {
			return pipeline{}, fmt.Errorf("open cache for %s: %w", cfg.Name, err)
		}
		p.cache = c
	}

	return p, nil
}

func (p *pipeline) Name() string { return p.name }

// Stream is declared for schema parity; no provider supports it.
func (p *pipeline) Stream(ctx context.Context, req *models.GenerateRequest) error {
	return ErrStreamingUnsupported
}

// Generate runs the full governed pipeline around one provider call.
func (p *pipeline) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	if req.Stream {
		return nil, ErrStreamingUnsupported
	}

	runID := RequestID(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}

	// Work on a copy: defaults and redaction must not leak back to the
	// caller's request.
	r := *req
	if r.Model == "" {
		r.Model = p.model
	}
	if r.Params.MaxTokens == nil {
		mt := defaultMaxTokens
		r.Params.MaxTokens = &mt
	}

	p.scrubPHI(ctx, runID, &r)

	if err := p.checkEgress(ctx, runID); err != nil {
		return nil, err
	}

	estIn := EstimateTokens(r.Prompt) + EstimateTokens(r.System)
	estOut := *r.Params.MaxTokens
	pricing := p.deps.Pricing(r.Model)

	if err := p.checkCost(ctx, runID, r.Model, pricing.Cost(models.Usage{TokensIn: estIn, TokensOut: estOut})); err != nil {
		return nil, err
	}

	key := sqlite.Key(p.name, r.Model, r.Prompt, r.System, r.Params)

	// Cache hits bypass budget and breaker entirely: a served hit costs
	// nothing upstream, so it must not consume admission capacity.
	if resp := p.fromCache(ctx, runID, key, r.Model); resp != nil {
		return resp, nil
	}

	estTotal := estIn + estOut
	if err := p.limiter.Admit(estTotal); err != nil {
		p.auditGenerate(ctx, runID, r.Model, models.AuditDeny, 0, map[string]string{
			"rule":   "llm.budgets.hourly",
			"detail": err.Error(),
		})
		return nil, err
	}

	if err := p.breaker.Allow(); err != nil {
		// The request never reached the provider; release the token
		// reservation. The request slot stays consumed.
		p.limiter.Settle(estTotal, 0)
		p.auditGenerate(ctx, runID, r.Model, models.AuditDeny, 0, map[string]string{
			"rule":   "provider.breaker",
			"detail": err.Error(),
		})
		return nil, err
	}

	start := time.Now()
	var text string
	var usage models.Usage
	err := breaker.Do(ctx, p.retry, func() error {
		attemptCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		t, u, callErr := p.invoke(attemptCtx, &r)
		if callErr != nil {
			if breaker.Transient(callErr) {
				p.breaker.RecordFailure()
			}
			return callErr
		}
		text, usage = t, u
		return nil
	})
	latency := time.Since(start)

	if err != nil {
		p.limiter.Settle(estTotal, 0)
		p.deps.Metrics.RecordError(p.name, latency)
		p.auditGenerate(ctx, runID, r.Model, models.AuditError, latency.Milliseconds(), map[string]string{
			"category": Categorize(err),
			"error":    err.Error(),
		})
		return nil, err
	}

	p.limiter.Settle(estTotal, usage.Total())

	resp := &models.GenerateResponse{
		OK:         true,
		Text:       text,
		Usage:      usage,
		LatencyMs:  latency.Milliseconds(),
		Provider:   p.name,
		Model:      r.Model,
		PromptHash: key,
	}

	costCents := pricing.Cost(usage)
	p.recordSpend(ctx, runID, r.Model, usage, costCents)
	p.fillCache(key, r.Model, resp)
	p.deps.Metrics.Record(p.name, latency, false, usage.TokensIn, usage.TokensOut)
	p.auditGenerate(ctx, runID, r.Model, models.AuditOK, resp.LatencyMs, map[string]string{
		"prompt_hash": key,
		"cache_hit":   "false",
		"cost_cents":  fmt.Sprintf("%d", costCents),
	})

	return resp, nil
}

// scrubPHI redacts outbound prompt and system text when PHI detection is
// enabled and trips. Redaction happens before hashing so cache keys match
// what actually left the gateway.
func (p *pipeline) scrubPHI(ctx context.Context, runID string, r *models.GenerateRequest) {
	var scrubbed []string
	if p.deps.Policy.CheckPHI(r.Prompt) {
		r.Prompt = p.deps.Policy.Redact(r.Prompt)
		scrubbed = append(scrubbed, "prompt")
	}
	if r.System != "" && p.deps.Policy.CheckPHI(r.System) {
		r.System = p.deps.Policy.Redact(r.System)
		scrubbed = append(scrubbed, "system")
	}
	if len(scrubbed) == 0 {
		return
	}
	p.auditEvent(ctx, models.AuditEvent{
		RequestID: runID,
		Action:    models.AuditActionPHI,
		Result:    models.AuditOK,
		Provider:  p.name,
		Metadata:  map[string]string{"redacted": strings.Join(scrubbed, ",")},
	})
}

func (p *pipeline) checkEgress(ctx context.Context, runID string) error {
	err := p.deps.Policy.CheckEgress(p.url, runID)
	ev := models.AuditEvent{
		RequestID: runID,
		Action:    models.AuditActionEgress,
		Result:    models.AuditAllow,
		Provider:  p.name,
		Metadata:  map[string]string{"url": p.url},
	}
	if err != nil {
		ev.Result = models.AuditDeny
		if v, ok := policy.AsViolation(err); ok {
			ev.Rule = v.Rule
			ev.Metadata = v.Metadata
		}
	}
	p.auditEvent(ctx, ev)
	return err
}

func (p *pipeline) checkCost(ctx context.Context, runID, model string, estCents int64) error {
	var monthToDate int64
	if p.deps.Ledger != nil {
		mtd, err := p.deps.Ledger.MonthToDateCents(ctx)
		if err != nil {
			return fmt.Errorf("read month-to-date spend: %w", err)
		}
		monthToDate = mtd
	}

	snap := p.deps.Policy.Current()
	if snap.NearCap(estCents, monthToDate) {
		log.Printf("[gateway] %s: spend approaching monthly cap (%d + %d of %d cents)",
			p.name, monthToDate, estCents, snap.MonthlyCents)
	}

	err := snap.CheckCost(estCents, monthToDate, runID)
	ev := models.AuditEvent{
		RequestID: runID,
		Action:    models.AuditActionCost,
		Result:    models.AuditAllow,
		Provider:  p.name,
		Model:     model,
		Metadata: map[string]string{
			"estimated_cents":     fmt.Sprintf("%d", estCents),
			"month_to_date_cents": fmt.Sprintf("%d", monthToDate),
		},
	}
	if err != nil {
		ev.Result = models.AuditDeny
		if v, ok := policy.AsViolation(err); ok {
			ev.Rule = v.Rule
			ev.Metadata = v.Metadata
		}
	}
	p.auditEvent(ctx, ev)
	return err
}

// fromCache returns a replayed response or nil on miss. Storage failures
// and corrupt entries degrade to a miss.
func (p *pipeline) fromCache(ctx context.Context, runID, key, model string) *models.GenerateResponse {
	if p.cache == nil {
		return nil
	}
	data, ok := p.cache.Get(key)
	if !ok {
		return nil
	}

	var resp models.GenerateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("[gateway] %s: corrupt cache entry %s, treating as miss", p.name, key[:12])
		return nil
	}

	resp.CacheHit = true
	resp.LatencyMs = 0
	resp.PromptHash = key

	p.deps.Metrics.Record(p.name, 0, true, resp.Usage.TokensIn, resp.Usage.TokensOut)
	p.auditGenerate(ctx, runID, model, models.AuditOK, 0, map[string]string{
		"prompt_hash": key,
		"cache_hit":   "true",
	})
	return &resp
}

// fillCache stores a fresh response. Failures are logged, never returned:
// a broken cache degrades to pass-through.
func (p *pipeline) fillCache(key, model string, resp *models.GenerateResponse) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[gateway] %s: encode cache entry: %v", p.name, err)
		return
	}
	if err := p.cache.Put(key, p.name, model, data); err != nil {
		log.Printf("[gateway] %s: cache store failed: %v", p.name, err)
	}
}

// recordSpend writes the ledger row. A failed write loses one row of
// reporting; it must not fail the request that produced it.
func (p *pipeline) recordSpend(ctx context.Context, runID, model string, usage models.Usage, costCents int64) {
	if p.deps.Ledger == nil {
		return
	}
	err := p.deps.Ledger.Record(ctx, models.LedgerEntry{
		RequestID: runID,
		Provider:  p.name,
		Model:     model,
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		CostCents: costCents,
	})
	if err != nil {
		log.Printf("[gateway] %s: ledger record failed: %v", p.name, err)
	}
}

func (p *pipeline) auditGenerate(ctx context.Context, runID, model, result string, latencyMs int64, meta map[string]string) {
	p.auditEvent(ctx, models.AuditEvent{
		RequestID: runID,
		Action:    models.AuditActionGenerate,
		Result:    result,
		Provider:  p.name,
		Model:     model,
		LatencyMs: latencyMs,
		Metadata:  meta,
	})
}

func (p *pipeline) auditEvent(ctx context.Context, ev models.AuditEvent) {
	if err := p.deps.Audit.Record(ctx, ev); err != nil {
		log.Printf("[gateway] %s: audit record failed: %v", p.name, err)
	}
}

// BudgetUsage reports the adapter's current hourly window.
func (p *pipeline) BudgetUsage() models.BudgetUsage {
	return p.limiter.Usage()
}

// BreakerState reports "open" or "closed".
func (p *pipeline) BreakerState() string {
	return p.breaker.State()
}

// CacheStats reports the adapter's cache counters; zero when disabled.
func (p *pipeline) CacheStats() (models.CacheStats, error) {
	if p.cache == nil {
		return models.CacheStats{}, nil
	}
	return p.cache.Stats()
}

// Close releases the adapter's cache handle.
func (p *pipeline) Close() error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close()
}
