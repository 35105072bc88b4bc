// Package metrics aggregates request counters and latency samples for the
// gateway. The collector keeps a bounded window of recent latencies so
// percentiles reflect current behavior rather than process lifetime.
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// sampleWindow bounds the latency ring. Old samples are overwritten once the
// window is full.
const sampleWindow = 1000

// Collector is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	requests  int64
	errors    int64
	cacheHits int64
	tokensIn  int64
	tokensOut int64

	samples   []float64 // latency in ms; ring of sampleWindow
	sampleIdx int

	providers map[string]*providerCounters
}

type providerCounters struct {
	requests  int64
	errors    int64
	cacheHits int64
	tokensIn  int64
	tokensOut int64
}

// ProviderStats is the per-provider slice of a Snapshot.
type ProviderStats struct {
	Requests  int64 `json:"requests"`
	Errors    int64 `json:"errors"`
	CacheHits int64 `json:"cache_hits"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	Requests  int64                    `json:"requests"`
	Errors    int64                    `json:"errors"`
	CacheHits int64                    `json:"cache_hits"`
	TokensIn  int64                    `json:"tokens_in"`
	TokensOut int64                    `json:"tokens_out"`
	HitRate   float64                  `json:"hit_rate"`
	P50       float64                  `json:"p50_ms"`
	P95       float64                  `json:"p95_ms"`
	P99       float64                  `json:"p99_ms"`
	Providers map[string]ProviderStats `json:"providers"`
}

func NewCollector() *Collector {
	return &Collector{
		samples:   make([]float64, 0, sampleWindow),
		providers: make(map[string]*providerCounters),
	}
}

// Record counts a completed call. Cache hits increment counters but
// contribute no latency sample, so percentiles track upstream calls only.
func (c *Collector) Record(provider string, latency time.Duration, cacheHit bool, tokensIn, tokensOut int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.tokensIn += int64(tokensIn)
	c.tokensOut += int64(tokensOut)

	p := c.provider(provider)
	p.requests++
	p.tokensIn += int64(tokensIn)
	p.tokensOut += int64(tokensOut)

	if cacheHit {
		c.cacheHits++
		p.cacheHits++
		return
	}
	c.addSample(float64(latency.Milliseconds()))
}

// RecordError counts a failed call. The latency still enters the sample
// window: a slow failure is part of what callers experienced.
func (c *Collector) RecordError(provider string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.errors++

	p := c.provider(provider)
	p.requests++
	p.errors++

	c.addSample(float64(latency.Milliseconds()))
}

func (c *Collector) provider(name string) *providerCounters {
	p, ok := c.providers[name]
	if !ok {
		p = &providerCounters{}
		c.providers[name] = p
	}
	return p
}

// addSample appends to the ring; caller holds c.mu.
func (c *Collector) addSample(ms float64) {
	if len(c.samples) < sampleWindow {
		c.samples = append(c.samples, ms)
		return
	}
	c.samples[c.sampleIdx] = ms
	c.sampleIdx = (c.sampleIdx + 1) % sampleWindow
}

// Percentile returns the p-th latency percentile in milliseconds over the
// current window, where p is in [0, 1]. With no samples it returns 0; with a
// single sample every percentile is that sample.
func (c *Collector) Percentile(p float64) float64 {
	c.mu.Lock()
	sorted := make([]float64, len(c.samples))
	copy(sorted, c.samples)
	c.mu.Unlock()

	return percentile(sorted, p)
}

// percentile sorts in place.
func percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return samples[idx]
}

// Snapshot copies the counters and computes p50/p95/p99 over one sorted pass.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Requests:  c.requests,
		Errors:    c.errors,
		CacheHits: c.cacheHits,
		TokensIn:  c.tokensIn,
		TokensOut: c.tokensOut,
		Providers: make(map[string]ProviderStats, len(c.providers)),
	}
	for name, p := range c.providers {
		snap.Providers[name] = ProviderStats{
			Requests:  p.requests,
			Errors:    p.errors,
			CacheHits: p.cacheHits,
			TokensIn:  p.tokensIn,
			TokensOut: p.tokensOut,
		}
	}
	sorted := make([]float64, len(c.samples))
	copy(sorted, c.samples)
	c.mu.Unlock()

	if snap.Requests > 0 {
		snap.HitRate = float64(snap.CacheHits) / float64(snap.Requests)
	}
	sort.Float64s(sorted)
	if n := len(sorted); n > 0 {
		snap.P50 = sorted[pctIdx(n, 0.50)]
		snap.P95 = sorted[pctIdx(n, 0.95)]
		snap.P99 = sorted[pctIdx(n, 0.99)]
	}
	return snap
}

func pctIdx(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// WriteTo emits the collector state in Prometheus text exposition format.
// It implements io.WriterTo.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	snap := c.Snapshot()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP velar_requests_total Generate calls handled, including cache hits and failures.\n")
	fmt.Fprintf(&buf, "# TYPE velar_requests_total counter\n")
	fmt.Fprintf(&buf, "velar_requests_total %d\n", snap.Requests)

	fmt.Fprintf(&buf, "# HELP velar_errors_total Generate calls that failed.\n")
	fmt.Fprintf(&buf, "# TYPE velar_errors_total counter\n")
	fmt.Fprintf(&buf, "velar_errors_total %d\n", snap.Errors)

	fmt.Fprintf(&buf, "# HELP velar_cache_hits_total Generate calls served from the response cache.\n")
	fmt.Fprintf(&buf, "# TYPE velar_cache_hits_total counter\n")
	fmt.Fprintf(&buf, "velar_cache_hits_total %d\n", snap.CacheHits)

	fmt.Fprintf(&buf, "# HELP velar_latency_ms Upstream call latency percentiles over the recent window.\n")
	fmt.Fprintf(&buf, "# TYPE velar_latency_ms gauge\n")
	fmt.Fprintf(&buf, "velar_latency_ms{quantile=\"0.5\"} %g\n", snap.P50)
	fmt.Fprintf(&buf, "velar_latency_ms{quantile=\"0.95\"} %g\n", snap.P95)
	fmt.Fprintf(&buf, "velar_latency_ms{quantile=\"0.99\"} %g\n", snap.P99)

	names := make([]string, 0, len(snap.Providers))
	for name := range snap.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(&buf, "# HELP velar_provider_requests_total Generate calls per provider.\n")
	fmt.Fprintf(&buf, "# TYPE velar_provider_requests_total counter\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "velar_provider_requests_total{provider=%q} %d\n", name, snap.Providers[name].Requests)
	}
	fmt.Fprintf(&buf, "# HELP velar_provider_errors_total Failed calls per provider.\n")
	fmt.Fprintf(&buf, "# TYPE velar_provider_errors_total counter\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "velar_provider_errors_total{provider=%q} %d\n", name, snap.Providers[name].Errors)
	}
	fmt.Fprintf(&buf, "# HELP velar_provider_tokens_total Tokens exchanged per provider.\n")
	fmt.Fprintf(&buf, "# TYPE velar_provider_tokens_total counter\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "velar_provider_tokens_total{provider=%q,direction=\"in\"} %d\n", name, snap.Providers[name].TokensIn)
		fmt.Fprintf(&buf, "velar_provider_tokens_total{provider=%q,direction=\"out\"} %d\n", name, snap.Providers[name].TokensOut)
	}

	return buf.WriteTo(w)
}
