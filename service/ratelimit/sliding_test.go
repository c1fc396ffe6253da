package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memWindow 内存版窗口原语，与 redis 实现同语义（单测用）
type memWindow struct {
	mu      sync.Mutex
	entries map[string][]memEntry
}

type memEntry struct {
	member string
	at     time.Time
}

func newMemWindow() *memWindow {
	return &memWindow{entries: make(map[string][]memEntry)}
}

func (w *memWindow) Record(_ context.Context, key string, cutoff, now time.Time, member string, _ time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[key][:0]
	for _, e := range w.entries[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	count := int64(len(kept))
	kept = append(kept, memEntry{member: member, at: now})
	w.entries[key] = kept
	return count, nil
}

func (w *memWindow) Remove(_ context.Context, key string, member string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.entries[key][:0]
	for _, e := range w.entries[key] {
		if e.member != member {
			kept = append(kept, e)
		}
	}
	w.entries[key] = kept
	return nil
}

func (w *memWindow) count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries[key])
}

type errWindow struct{}

func (errWindow) Record(context.Context, string, time.Time, time.Time, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (errWindow) Remove(context.Context, string, string) error { return errors.New("store down") }

func TestWindowAllowsUpToMaxThenRejects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ops := newMemWindow()
	l := newLimiterWithOps(ops, Config{
		Window:      60 * time.Second,
		MaxRequests: 5,
		Clock:       func() time.Time { return now },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, remaining, _ := l.Check(ctx, "c1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 5 - i - 1; remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, remaining, resetIn := l.Check(ctx, "c1")
	if allowed {
		t.Fatalf("request over the limit must be rejected")
	}
	if remaining != 0 || resetIn != 60 {
		t.Fatalf("rejection reported (remaining=%d resetIn=%d)", remaining, resetIn)
	}

	// 被拒的尝试不计数（回滚）
	if got := ops.count("ratelimit:c1"); got != 5 {
		t.Fatalf("store holds %d entries after rejection, want 5", got)
	}
}

func TestWindowSlidesForward(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ops := newMemWindow()
	l := newLimiterWithOps(ops, Config{
		Window:      60 * time.Second,
		MaxRequests: 2,
		Clock:       func() time.Time { return now },
	})
	ctx := context.Background()

	l.Check(ctx, "c1")
	l.Check(ctx, "c1")
	if allowed, _, _ := l.Check(ctx, "c1"); allowed {
		t.Fatalf("third request inside window must be rejected")
	}

	// 窗口滑过之后重新放行
	now = now.Add(61 * time.Second)
	if allowed, _, _ := l.Check(ctx, "c1"); !allowed {
		t.Fatalf("request after window elapsed must be allowed")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiterWithOps(newMemWindow(), Config{
		Window:      60 * time.Second,
		MaxRequests: 1,
		Clock:       func() time.Time { return now },
	})
	ctx := context.Background()

	l.Check(ctx, "c1")
	if allowed, _, _ := l.Check(ctx, "c1"); allowed {
		t.Fatalf("c1 over limit")
	}
	if allowed, _, _ := l.Check(ctx, "c2"); !allowed {
		t.Fatalf("c2 must not be throttled by c1's traffic")
	}
}

func TestFailOpenWhenStoreUnavailable(t *testing.T) {
	l := newLimiterWithOps(errWindow{}, Config{Window: 60 * time.Second, MaxRequests: 10})

	allowed, remaining, resetIn := l.Check(context.Background(), "c1")
	if !allowed {
		t.Fatalf("store failure must fail open")
	}
	if remaining != 10 || resetIn != 60 {
		t.Fatalf("fail-open should report full quota, got remaining=%d resetIn=%d", remaining, resetIn)
	}
}

func TestNilClientFailsOpen(t *testing.T) {
	l := NewLimiter(nil, Config{Window: 60 * time.Second, MaxRequests: 3})
	allowed, remaining, _ := l.Check(context.Background(), "c1")
	if !allowed || remaining != 3 {
		t.Fatalf("nil store must fail open with full quota")
	}
}
