package engine

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second, 60: 10 * time.Second}
	for attempt, want := range cases {
		if got := b.Delay("1|0xf", attempt); got != want {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, want)
		}
	}
}

func TestBackoffJitterIsDeterministicAndBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 500 * time.Millisecond}
	first := b.Delay("7|0xabc", 2)
	if first != b.Delay("7|0xabc", 2) {
		t.Fatalf("jitter not deterministic")
	}
	if first < 4*time.Second || first >= 4*time.Second+500*time.Millisecond {
		t.Fatalf("delay %s outside jitter window", first)
	}
}
