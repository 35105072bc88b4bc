package server

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/gateway"
)

// chain applies middleware around h in the order given: the first
// middleware sees the request first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withRequestID tags every request with an ID. An inbound X-Request-ID is
// honored so callers can correlate across systems; otherwise one is
// generated. The ID is echoed on the response and flows to the pipeline
// through the context.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(gateway.WithRequestID(r.Context(), id)))
	})
}

// clientLimiter holds one token bucket per client key.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// maxTrackedClients bounds the limiter map. When exceeded the map is
// dropped wholesale; refilled buckets start full, which briefly favors
// clients rather than over-throttling them.
const maxTrackedClients = 10000

func newClientLimiter(limits config.LimitsConfig) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*rate.Limiter),
		rps:     rate.Limit(limits.PerClientRPS),
		burst:   limits.PerClientBurst,
	}
}

func (cl *clientLimiter) allow(key string) bool {
	if cl.rps <= 0 {
		return true
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(cl.clients) > maxTrackedClients {
		cl.clients = make(map[string]*rate.Limiter)
	}
	lim, ok := cl.clients[key]
	if !ok {
		lim = rate.NewLimiter(cl.rps, cl.burst)
		cl.clients[key] = lim
	}
	return lim.Allow()
}

// withRateLimit throttles per client. The key is the API key when one is
// presented, else the remote host, so unauthenticated clients on one host
// share a bucket.
func withRateLimit(cl *clientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !cl.allow(key) {
				log.Printf("[server] rate limit exceeded for client %s", key)
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "per-client rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return token
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the status code for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("[server] %s %s %s %d %s",
			gateway.RequestID(r.Context()), r.Method, r.URL.Path, sw.status,
			time.Since(start).Round(time.Millisecond))
	})
}
