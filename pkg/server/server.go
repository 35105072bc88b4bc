// Package server exposes the gateway over HTTP: a single synchronous
// generation endpoint plus health and metrics surfaces.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/gateway"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
	"github.com/velar-health/velar/pkg/quality"
)

// maxRequestBytes caps a generate request body. Prompts beyond this are
// rejected before JSON decoding.
const maxRequestBytes = 1 << 20

// evaluateHeader asks the server to score the response and attach the
// verdict. Evaluation is advisory: a low score never blocks the response.
const evaluateHeader = "X-Velar-Evaluate"

// Server is the Velar HTTP gateway surface.
type Server struct {
	cfg      *config.Config
	adapters map[string]gateway.Adapter
	gate     *quality.Gate
	enforcer *policy.Enforcer
	metrics  *metrics.Collector
	handler  http.Handler
}

// New creates a Server wired with all dependencies. The adapters map is
// keyed by provider name as configured.
func New(cfg *config.Config, adapters map[string]gateway.Adapter, gate *quality.Gate, e *policy.Enforcer, m *metrics.Collector) *Server {
	s := &Server{
		cfg:      cfg,
		adapters: adapters,
		gate:     gate,
		enforcer: e,
		metrics:  m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.handler = chain(mux,
		withRequestID,
		withLogging,
		withRateLimit(newClientLimiter(cfg.Limits)),
	)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the gateway server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("velar gateway listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "unsupported", "method not allowed")
		return
	}

	var req models.GenerateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}
	if req.Stream {
		writeJSONError(w, http.StatusUnprocessableEntity, gateway.CategoryUnsupported,
			"streaming is not supported; set stream to false")
		return
	}

	name, reason := s.route(&req)
	ad, ok := s.adapters[name]
	if !ok {
		writeJSONError(w, http.StatusUnprocessableEntity, gateway.CategoryUnsupported,
			fmt.Sprintf("unknown provider %q", name))
		return
	}
	log.Printf("[server] %s -> %s (%s)", gateway.RequestID(r.Context()), name, reason)

	resp, err := ad.Generate(r.Context(), &req)
	if err != nil {
		category := gateway.Categorize(err)
		writeJSONError(w, statusFor(category), category, err.Error())
		return
	}

	if r.Header.Get(evaluateHeader) == "1" {
		score, fallbackReason := s.gate.Evaluate(req.Prompt, resp.Text)
		resp.Quality = &score
		if fallbackReason != "" {
			w.Header().Set("X-Velar-Fallback-Advised", fallbackReason)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

// route picks the provider for a request. A forced provider is honored
// verbatim; the gate call still runs so the routing reason reflects how
// the override relates to the configured primary. Without an override the
// gate decides between primary and fallback.
func (s *Server) route(req *models.GenerateRequest) (string, string) {
	usePrimary, reason := s.gate.ShouldUsePrimary(req.Prompt, req.Provider)
	if req.Provider != "" {
		return req.Provider, reason
	}
	snap := s.enforcer.Current()
	if usePrimary {
		return snap.PrimaryProvider, reason
	}
	return snap.FallbackProvider, reason
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","providers":%d,"policy_digest":%q}`,
		len(s.adapters), s.enforcer.Current().Digest)
	fmt.Fprintln(w)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if _, err := s.metrics.WriteTo(w); err != nil {
		log.Printf("[server] write metrics: %v", err)
	}
}

// statusFor maps an error category to an HTTP status code.
func statusFor(category string) int {
	switch category {
	case gateway.CategoryBudgetDenied:
		return http.StatusTooManyRequests
	case gateway.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	case gateway.CategoryPolicyDenied:
		return http.StatusForbidden
	case gateway.CategoryUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSONError(w http.ResponseWriter, code int, category, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"category":%q}}`, message, category)
	fmt.Fprintln(w)
}
