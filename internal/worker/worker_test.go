package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"reclaim/internal/domain"
	"reclaim/internal/engine"
	"reclaim/internal/events"
)

type fakeRetrier struct {
	mu       sync.Mutex
	due      []domain.Settlement
	inFlight int32
	peak     int32
	retried  []string
}

func (f *fakeRetrier) DueSettlements(context.Context, time.Time, int) ([]domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeRetrier) RetryOne(_ context.Context, st domain.Settlement) engine.RetryOutcome {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&f.inFlight, -1)
	f.mu.Lock()
	f.retried = append(f.retried, st.ItemID)
	f.mu.Unlock()
	return engine.RetryOutcome{ItemID: st.ItemID, Finder: st.Finder, State: domain.SettlementSettled}
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := &fakeRetrier{}
	ids := []string{"1", "2", "3", "4", "5", "6"}
	for _, id := range ids {
		f.due = append(f.due, domain.Settlement{ItemID: id, Finder: "0xf"})
	}
	w := Worker{Retrier: f, Concurrency: 2}
	out, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 6 {
		t.Fatalf("expected 6 outcomes, got %d", len(out))
	}
	for i, o := range out {
		if o.ItemID != ids[i] || o.State != domain.SettlementSettled {
			t.Fatalf("outcome %d: %+v", i, o)
		}
	}
	if peak := atomic.LoadInt32(&f.peak); peak > 2 {
		t.Fatalf("ran %d retries at once, limit 2", peak)
	}
}

func TestRunStopsOnCancelAndWakesOnSignal(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := events.NewHub()
	f := &fakeRetrier{}
	w := Worker{Retrier: f, Concurrency: 1, PollInterval: time.Hour, Hub: hub}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the first pass run with nothing due, then queue work and signal.
	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	f.due = []domain.Settlement{{ItemID: "9", Finder: "0xf"}}
	f.mu.Unlock()
	hub.Signal()

	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.retried)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("signal did not trigger a pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
