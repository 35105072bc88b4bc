package breaker

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(t *testing.T, b *Breaker) *time.Time {
	t.Helper()
	now := time.Now()
	b.now = func() time.Time { return now }
	return &now
}

func TestClosedBelowThreshold(t *testing.T) {
	b := New("claude", 2, time.Second)
	fixedClock(t, b)

	if err := b.Allow(); err != nil {
		t.Fatalf("fresh breaker should be closed: %v", err)
	}
	b.RecordFailure()
	if err := b.Allow(); err != nil {
		t.Fatalf("one failure below threshold 2 should stay closed: %v", err)
	}
}

func TestOpensAtThreshold(t *testing.T) {
	b := New("claude", 2, time.Second)
	fixedClock(t, b)

	b.RecordFailure()
	b.RecordFailure()

	err := b.Allow()
	if err == nil {
		t.Fatal("expected open circuit after threshold failures")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if oe.Failures != 2 || oe.Threshold != 2 {
		t.Errorf("unexpected error detail: %+v", oe)
	}
	if oe.RetryAfter <= 0 || oe.RetryAfter > time.Second {
		t.Errorf("retry-after should be within the window, got %v", oe.RetryAfter)
	}
}

func TestClosesWhenOldestAgesOut(t *testing.T) {
	b := New("claude", 2, time.Second)
	now := fixedClock(t, b)

	b.RecordFailure()
	*now = now.Add(800 * time.Millisecond)
	b.RecordFailure()

	if err := b.Allow(); err == nil {
		t.Fatal("two failures inside the window should open the circuit")
	}

	// 1.1s after the first failure: it ages out, one remains.
	*now = now.Add(300 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Errorf("oldest failure aged out, circuit should close: %v", err)
	}
	if got := b.FailureCount(); got != 1 {
		t.Errorf("expected 1 failure still in window, got %d", got)
	}
}

func TestRecoveryIsPurelyTimeBased(t *testing.T) {
	b := New("claude", 2, time.Second)
	now := fixedClock(t, b)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatal("expected open")
	}

	// No success call exists to close it early; only time does.
	*now = now.Add(1100 * time.Millisecond)
	if b.State() != "closed" {
		t.Error("expected closed after window elapsed")
	}
}

func TestSuccessDoesNotClearFailures(t *testing.T) {
	b := New("claude", 3, time.Minute)
	fixedClock(t, b)

	b.RecordFailure()
	b.RecordFailure()

	// A successful call happens here; the breaker records nothing for it.
	if got := b.FailureCount(); got != 2 {
		t.Fatalf("expected prior failures retained, got %d", got)
	}

	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Error("third failure should open despite an interleaved success")
	}
}

func TestShortCircuitScenario(t *testing.T) {
	// threshold=2, window=1s: two timeouts open the circuit; a third call
	// inside the window is rejected without any attempt; after the window
	// the call goes through again.
	b := New("flaky", 2, time.Second)
	now := fixedClock(t, b)

	attempted := 0
	call := func() error {
		if err := b.Allow(); err != nil {
			return err
		}
		attempted++
		b.RecordFailure() // simulated timeout
		return errors.New("timeout")
	}

	call()
	call()
	if attempted != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempted)
	}

	err := call()
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if attempted != 2 {
		t.Errorf("open circuit must not attempt the call, attempts=%d", attempted)
	}

	*now = now.Add(1100 * time.Millisecond)
	call()
	if attempted != 3 {
		t.Errorf("expected attempt after window elapsed, attempts=%d", attempted)
	}
}
