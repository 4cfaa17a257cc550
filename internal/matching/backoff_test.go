package matching

import (
	"testing"
	"time"
)

func TestBackoffDelay_GrowsWithoutJitter(t *testing.T) {
	p := BackoffPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 2,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second}, // capped
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	p := BackoffPolicy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 1.5,
		Jitter:     0.5,
	}

	// attempt 0: nominal 2s, jitter +/-50% -> [1s, 3s]
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 3s]", d)
		}
	}
}

func TestBackoffDelay_NeverNegative(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 1.1, Jitter: 1.0}
	for i := 0; i < 100; i++ {
		if d := p.Delay(0); d < 0 {
			t.Fatalf("delay must not be negative, got %v", d)
		}
	}
}

func TestBackoffExhausted_ByAttempts(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 3}
	start := time.Now()

	if p.Exhausted(0, start) || p.Exhausted(2, start) {
		t.Error("should not be exhausted before MaxAttempts")
	}
	if !p.Exhausted(3, start) {
		t.Error("should be exhausted at MaxAttempts")
	}
}

func TestBackoffExhausted_ByGlobalTimeout(t *testing.T) {
	p := BackoffPolicy{GlobalTimeout: time.Minute}

	if p.Exhausted(100, time.Now()) {
		t.Error("should not be exhausted right after start")
	}
	if !p.Exhausted(0, time.Now().Add(-2*time.Minute)) {
		t.Error("should be exhausted past the global timeout")
	}
}

func TestBackoffExhausted_UnlimitedByDefault(t *testing.T) {
	var p BackoffPolicy
	if p.Exhausted(1_000_000, time.Now().Add(-24*time.Hour)) {
		t.Error("zero policy should never exhaust")
	}
}

func TestDefaultBackoffPolicy(t *testing.T) {
	p := DefaultBackoffPolicy()
	if p.BaseDelay != 1500*time.Millisecond {
		t.Errorf("unexpected base delay: %v", p.BaseDelay)
	}
	if p.MaxDelay != 8*time.Second {
		t.Errorf("unexpected max delay: %v", p.MaxDelay)
	}
	if p.GlobalTimeout != 2*time.Minute {
		t.Errorf("unexpected global timeout: %v", p.GlobalTimeout)
	}
}
