package breaker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Policy bounds the retry loop. MaxRetries counts additional attempts
// after the first; delays grow as BaseDelay*2^n capped at MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Transienter lets error types declare whether they are worth retrying.
type Transienter interface {
	Transient() bool
}

// Transient classifies an error as a transient provider fault (timeout,
// connection failure, rate limit) versus a fatal one. Fatal errors such
// as policy violations, budget denials, and auth failures propagate
// immediately without retry and without tripping the circuit.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var t Transienter
	if errors.As(err, &t) {
		return t.Transient()
	}

	// Per-attempt timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Caller gave up; retrying would be pointless.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// Connection-level failures (refused, reset, DNS).
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}

	return false
}

// Do runs fn, retrying transient failures up to p.MaxRetries extra
// attempts with capped exponential backoff. The backoff sleep honors ctx
// cancellation and must never be entered while holding a lock. The last
// transient error is returned once the budget is exhausted; fatal errors
// return immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay * time.Duration(1<<(attempt-1))
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
