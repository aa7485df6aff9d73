package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func testLimiter(limits Limits, windowSize time.Duration) (*Limiter, *time.Time) {
	l := New(limits, windowSize)
	now := time.Now()
	l.nowFunc = func() time.Time { return now }
	return l, &now
}

func TestLimiter_AllowWithinLimit(t *testing.T) {
	l, _ := testLimiter(Limits{ActionSend: 3}, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("s1", ActionSend)
		if !ok {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}
}

func TestLimiter_DeniesOverLimit(t *testing.T) {
	l, _ := testLimiter(Limits{ActionSend: 2}, time.Minute)

	l.Allow("s1", ActionSend)
	l.Allow("s1", ActionSend)

	ok, retryAfter := l.Allow("s1", ActionSend)
	if ok {
		t.Fatal("third send should be denied")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter out of range: %v", retryAfter)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	l, now := testLimiter(Limits{ActionSend: 1}, time.Minute)

	l.Allow("s1", ActionSend)
	if ok, _ := l.Allow("s1", ActionSend); ok {
		t.Fatal("second send in window should be denied")
	}

	*now = now.Add(time.Minute + time.Second)
	if ok, _ := l.Allow("s1", ActionSend); !ok {
		t.Fatal("send after window reset should be allowed")
	}
}

func TestLimiter_UntrackedActionUnlimited(t *testing.T) {
	l, _ := testLimiter(Limits{ActionSend: 1}, time.Minute)

	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("s1", "ping"); !ok {
			t.Fatal("untracked action must never be limited")
		}
	}
}

func TestLimiter_SessionsIndependent(t *testing.T) {
	l, _ := testLimiter(Limits{ActionJoin: 1}, time.Minute)

	l.Allow("s1", ActionJoin)
	if ok, _ := l.Allow("s2", ActionJoin); !ok {
		t.Fatal("limits must be tracked per session")
	}
}

func TestLimiter_ActionsIndependent(t *testing.T) {
	l, _ := testLimiter(Limits{ActionSend: 1, ActionJoin: 1}, time.Minute)

	l.Allow("s1", ActionSend)
	if ok, _ := l.Allow("s1", ActionJoin); !ok {
		t.Fatal("limits must be tracked per action")
	}
}

func TestLimiter_Forget(t *testing.T) {
	l, _ := testLimiter(Limits{ActionSend: 1}, time.Minute)

	l.Allow("s1", ActionSend)
	l.Forget("s1")

	if ok, _ := l.Allow("s1", ActionSend); !ok {
		t.Fatal("forgotten session should start a fresh window")
	}
	if got := l.TrackedSessions(); got != 1 {
		t.Errorf("expected 1 tracked session, got %d", got)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l, now := testLimiter(Limits{ActionSend: 5}, time.Minute)

	for i := 0; i < 4; i++ {
		l.Allow(fmt.Sprintf("s%d", i), ActionSend)
	}
	if got := l.TrackedSessions(); got != 4 {
		t.Fatalf("expected 4 tracked sessions, got %d", got)
	}

	*now = now.Add(3 * time.Minute)
	l.Allow("s0", ActionSend)

	removed := l.Sweep()
	if removed != 3 {
		t.Errorf("expected 3 swept sessions, got %d", removed)
	}
	if got := l.TrackedSessions(); got != 1 {
		t.Errorf("expected 1 remaining session, got %d", got)
	}
}

func TestLimiter_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		events int
		wantOK bool
	}{
		{"limit 1, event 2", 1, 2, false},
		{"limit 5, event 5", 5, 5, true},
		{"limit 5, event 6", 5, 6, false},
		{"limit 30, event 30", 30, 30, true},
		{"limit 30, event 31", 30, 31, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := testLimiter(Limits{ActionSend: tt.limit}, time.Minute)

			var ok bool
			for i := 0; i < tt.events; i++ {
				ok, _ = l.Allow("s1", ActionSend)
			}
			if ok != tt.wantOK {
				t.Errorf("expected ok=%v for event %d, got %v", tt.wantOK, tt.events, ok)
			}
		})
	}
}
