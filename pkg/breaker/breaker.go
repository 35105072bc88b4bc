package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned (wrapped in an *OpenError) while the circuit is open.
var ErrOpen = errors.New("circuit open")

// Breaker isolates a failing provider. It keeps the timestamps of recent
// failures; the circuit is open whenever at least threshold of them fall
// inside the trailing window. Recovery is purely time-based: the circuit
// closes once enough failures age out of the window. There is no half-open
// probe state, and a successful call never clears prior failures.
//
// Each provider adapter owns one Breaker; it is never shared.
type Breaker struct {
	mu        sync.Mutex
	provider  string
	threshold int
	window    time.Duration
	failures  []time.Time // ordered oldest first

	now func() time.Time
}

// OpenError reports a short-circuited call. RetryAfter estimates how long
// until enough failures age out for the circuit to close; it is advisory
// only. OpenError unwraps to ErrOpen.
type OpenError struct {
	Provider   string
	Failures   int
	Threshold  int
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: %d failures in window (threshold %d), retry in %s",
		e.Provider, e.Failures, e.Threshold, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// New creates a Breaker that opens at threshold failures within window.
func New(provider string, threshold int, window time.Duration) *Breaker {
	return &Breaker{
		provider:  provider,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// pruneLocked drops failures older than the trailing window. Must be
// called with the lock held.
func (b *Breaker) pruneLocked(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cut) {
		i++
	}
	b.failures = b.failures[i:]
}

// Allow checks the circuit before a call. It returns an *OpenError when
// the circuit is open; the caller must not attempt the network call then.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)
	if len(b.failures) < b.threshold {
		return nil
	}

	// The circuit closes once the count drops below threshold; the failure
	// whose expiry achieves that is at index len-threshold.
	closing := b.failures[len(b.failures)-b.threshold]
	return &OpenError{
		Provider:   b.provider,
		Failures:   len(b.failures),
		Threshold:  b.threshold,
		RetryAfter: closing.Add(b.window).Sub(now),
	}
}

// RecordFailure appends a failure timestamp. Call it for provider-fault
// failures only: policy rejections and auth errors are not provider
// faults and must not trip the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)
	b.failures = append(b.failures, now)
}

// FailureCount returns the number of failures currently inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// State reports "open" or "closed" for introspection surfaces.
func (b *Breaker) State() string {
	if err := b.Allow(); err != nil {
		return "open"
	}
	return "closed"
}
