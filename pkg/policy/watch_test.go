package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, testPolicy)

	snap, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEnforcer(snap)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Watch(ctx, path, nil)
	}()

	before := e.Current().Digest
	changed := strings.Replace(testPolicy, "monthly_cents: 50000", "monthly_cents: 75000", 1)
	writePolicy(t, path, changed)

	if !waitFor(t, 3*time.Second, func() bool { return e.Current().Digest != before }) {
		t.Fatal("snapshot was not swapped after file change")
	}
	if e.Current().MonthlyCents != 75000 {
		t.Errorf("expected reloaded cap 75000, got %d", e.Current().MonthlyCents)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatchKeepsOldSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, testPolicy)

	snap, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEnforcer(snap)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Watch(ctx, path, nil)

	// Drop a required field; the running snapshot must survive.
	writePolicy(t, path, strings.Replace(testPolicy, "primary_provider: claude", "", 1))

	// Give the watcher time to see the write.
	time.Sleep(300 * time.Millisecond)

	if e.Current().Digest != snap.Digest {
		t.Error("invalid reload must not replace the active snapshot")
	}
	if e.Current().PrimaryProvider != "claude" {
		t.Errorf("expected original snapshot, got %+v", e.Current())
	}
}

func TestWatchSwapCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, testPolicy)

	snap, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEnforcer(snap)

	swapped := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Watch(ctx, path, func(old, next *Snapshot) {
		swapped <- next.Digest
	})

	writePolicy(t, path, strings.Replace(testPolicy, "fallback_percent: 25", "fallback_percent: 50", 1))

	select {
	case d := <-swapped:
		if d == snap.Digest {
			t.Error("callback should carry the new digest")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("swap callback never fired")
	}
}
