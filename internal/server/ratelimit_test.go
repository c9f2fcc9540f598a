package server

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRateLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newMemoryRateLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), "k", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("hit %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(context.Background(), "k", 3, time.Minute); ok {
		t.Fatal("fourth hit should be rejected")
	}

	// A different key has its own window.
	if ok, _ := l.Allow(context.Background(), "other", 3, time.Minute); !ok {
		t.Fatal("unrelated key should be allowed")
	}

	// The window resets after it elapses.
	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(context.Background(), "k", 3, time.Minute); !ok {
		t.Fatal("hit after window reset should be allowed")
	}
}

func TestMemoryRateLimiterEvictsExpiredWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newMemoryRateLimiter()
	l.now = func() time.Time { return now }

	for _, key := range []string{"login:acme:10.0.0.1", "login:acme:10.0.0.2", "login:acme:10.0.0.3"} {
		if ok, err := l.Allow(context.Background(), key, 10, time.Minute); err != nil || !ok {
			t.Fatalf("Allow(%q): ok=%v err=%v", key, ok, err)
		}
	}

	now = now.Add(2 * time.Minute)
	if ok, err := l.Allow(context.Background(), "login:acme:10.0.0.4", 10, time.Minute); err != nil || !ok {
		t.Fatalf("Allow after expiry: ok=%v err=%v", ok, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) != 1 {
		t.Fatalf("windows = %d keys, want only the live one", len(l.windows))
	}
	if _, ok := l.windows["login:acme:10.0.0.4"]; !ok {
		t.Fatal("live key missing after sweep")
	}
}
